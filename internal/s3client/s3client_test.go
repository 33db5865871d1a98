package s3client

import (
	"context"
	"testing"
)

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "https://s3.example.test"})
	if err == nil {
		t.Fatal("expected error when Region is empty")
	}
}

func TestNewRejectsUnparsableEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{Region: "us-east-1", Endpoint: "://not-a-url"})
	if err == nil {
		t.Fatal("expected error for an unparsable endpoint")
	}
}

func TestNewSucceedsWithPathStyleEndpoint(t *testing.T) {
	client, err := New(context.Background(), Config{
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
		Endpoint:        "https://s3.example.test",
		ForcePathStyle:  true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if client == nil {
		t.Fatal("expected a non-nil client")
	}
}
