package config

import "testing"

func TestMySQLDSNFromPartsAppliesDefaults(t *testing.T) {
	got := MySQLDSNFromParts("", 0, "", "", "")
	want := "rets_user:rets_password@tcp(localhost:3306)/rets_data?parseTime=true&charset=utf8mb4"
	if got != want {
		t.Errorf("MySQLDSNFromParts() = %q, want %q", got, want)
	}
}

func TestMySQLDSNFromPartsUsesExplicitValues(t *testing.T) {
	got := MySQLDSNFromParts("db.internal", 3307, "u", "p", "d")
	want := "u:p@tcp(db.internal:3307)/d?parseTime=true&charset=utf8mb4"
	if got != want {
		t.Errorf("MySQLDSNFromParts() = %q, want %q", got, want)
	}
}

func TestDefaultPhotoSchedulerThresholds(t *testing.T) {
	d := DefaultPhotoScheduler()
	if d.AggressiveThreshold != 20 {
		t.Errorf("AggressiveThreshold = %d, want 20", d.AggressiveThreshold)
	}
	if d.NormalBatchSize >= d.AggressiveBatchSize {
		t.Errorf("expected Aggressive batch size to exceed Normal: normal=%d aggressive=%d", d.NormalBatchSize, d.AggressiveBatchSize)
	}
}
