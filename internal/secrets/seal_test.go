package secrets

import (
	"bytes"
	"testing"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	creds := Credentials{
		AccountName:  "vault_bot_01",
		Password:     "hunter2",
		SharedSecret: "c2hhcmVkLXNlY3JldA==",
	}

	blob, err := Seal(creds, "vault-passphrase")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(blob, "vault-passphrase")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != creds {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, creds)
	}
}

func TestOpen_WrongPassphrase(t *testing.T) {
	blob, err := Seal(Credentials{AccountName: "a"}, "right")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(blob, "wrong"); err == nil {
		t.Fatal("Open should fail with the wrong passphrase")
	}
}

func TestOpen_TruncatedBlob(t *testing.T) {
	if _, err := Open([]byte("short"), "p"); err == nil {
		t.Fatal("Open should reject a truncated blob")
	}
}

func TestSeal_UniqueSaltAndNonce(t *testing.T) {
	creds := Credentials{AccountName: "a"}
	b1, err := Seal(creds, "p")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b2, err := Seal(creds, "p")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(b1, b2) {
		t.Error("two seals of the same credentials should not be identical")
	}
}
