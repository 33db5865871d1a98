package retsparse

import "testing"

func TestParseLoginIgnoresInfoKeysAndCollectsCapabilities(t *testing.T) {
	body := `<RETS-RESPONSE>
ReplyCode=0
ReplyText=Success
InfoUserID=12345
MemberName=Jane Agent
Login=/rets/login
Search=/rets/search
GetMetadata=/rets/metadata
InfoBrokerCompany=Acme Realty
</RETS-RESPONSE>`

	got, err := ParseLogin(body)
	if err != nil {
		t.Fatalf("ParseLogin: %v", err)
	}
	if got.ReplyCode != "0" || got.ReplyText != "Success" {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if _, ok := got.Capabilities["InfoUserID"]; ok {
		t.Fatalf("Info-prefixed key leaked into capabilities: %+v", got.Capabilities)
	}
	want := map[string]string{
		"MemberName":  "Jane Agent",
		"Login":       "/rets/login",
		"Search":      "/rets/search",
		"GetMetadata": "/rets/metadata",
	}
	for k, v := range want {
		if got.Capabilities[k] != v {
			t.Errorf("capability %s = %q, want %q", k, got.Capabilities[k], v)
		}
	}
}

func TestParseLoginMissingResponseBlockIsParseError(t *testing.T) {
	if _, err := ParseLogin("garbage"); err == nil {
		t.Fatal("expected parse error for missing RETS-RESPONSE block")
	}
}

func TestParseMetadataColumnsAndData(t *testing.T) {
	body := `<RETS-RESPONSE ReplyCode="0" ReplyText="Success"/>
<METADATA-TABLE Resource="Property" Class="RES" Version="1.0">
<COLUMNS>	SystemName	LongName	DataType	</COLUMNS>
<DATA>	ListPrice	List Price	Decimal	</DATA>
<DATA>	BedroomsTotal	Bedrooms Total	Number	</DATA>
</METADATA-TABLE>`

	got, err := ParseMetadata(body)
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if got.ReplyCode != "0" {
		t.Fatalf("ReplyCode = %q", got.ReplyCode)
	}
	if len(got.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(got.Blocks))
	}
	block := got.Blocks[0]
	if block.Attrs["Resource"] != "Property" || block.Attrs["Class"] != "RES" {
		t.Fatalf("unexpected attrs: %+v", block.Attrs)
	}
	if len(block.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %v", block.Columns)
	}
	if len(block.Rows) != 2 || block.Rows[0][0] != "ListPrice" {
		t.Fatalf("unexpected rows: %v", block.Rows)
	}
}

func TestParseMetadataMisalignedRowIsPadded(t *testing.T) {
	body := `<RETS-RESPONSE ReplyCode="0" ReplyText="Success"/>
<METADATA-TABLE Resource="Property" Class="RES">
<COLUMNS>	SystemName	LongName	DataType	</COLUMNS>
<DATA>	ListPrice	</DATA>
</METADATA-TABLE>`

	got, err := ParseMetadata(body)
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	row := got.Blocks[0].Rows[0]
	if len(row) != 3 {
		t.Fatalf("expected padded row of length 3, got %v", row)
	}
	if row[0] != "ListPrice" || row[1] != "" || row[2] != "" {
		t.Fatalf("unexpected padded row: %v", row)
	}
}

func TestParseSearchCountAndRows(t *testing.T) {
	body := `<RETS-RESPONSE ReplyCode="0" ReplyText="Success"/>
<COUNT Records="2"/>
<COLUMNS>	ListingKey	ListPrice	</COLUMNS>
<DATA>	100001	250000	</DATA>
<DATA>	100002	310000	</DATA>`

	got, err := ParseSearch(body)
	if err != nil {
		t.Fatalf("ParseSearch: %v", err)
	}
	if got.Count != 2 {
		t.Fatalf("Count = %d, want 2", got.Count)
	}
	if len(got.Rows) != 2 || got.Rows[1][1] != "310000" {
		t.Fatalf("unexpected rows: %v", got.Rows)
	}
}

func TestParseSearchMissingReplyIsError(t *testing.T) {
	if _, err := ParseSearch("<COLUMNS></COLUMNS>"); err == nil {
		t.Fatal("expected parse error for missing ReplyCode/ReplyText")
	}
}

func TestIsUnauthorizedQuery(t *testing.T) {
	resource, class, ok := IsUnauthorizedQuery("20207", `Unauthorized Query: class [RES] in resource [Property] not authorized`)
	if !ok {
		t.Fatal("expected unauthorized query to be detected")
	}
	if resource != "Property" || class != "RES" {
		t.Fatalf("resource=%q class=%q, want Property/RES", resource, class)
	}
}

func TestIsUnauthorizedQueryDoesNotMatchOtherCodes(t *testing.T) {
	if _, _, ok := IsUnauthorizedQuery("20201", "No records found"); ok {
		t.Fatal("expected non-20207 reply to not be treated as unauthorized query")
	}
}
