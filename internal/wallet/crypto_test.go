package wallet

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	secret := []byte("store-secret")
	plaintext := []byte("legal winner thank year wave sausage worth useful legal winner thank yellow")

	blob, err := seal(secret, plaintext, []byte("user-1"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	got, err := open(secret, blob, []byte("user-1"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestOpenWrongSecret(t *testing.T) {
	blob, err := seal([]byte("right-secret"), []byte("secret words"), []byte("user-1"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if _, err := open([]byte("wrong-secret"), blob, []byte("user-1")); err == nil {
		t.Error("expected decrypt failure with wrong secret")
	}
}

func TestOpenWrongAdditionalData(t *testing.T) {
	// A blob copied into another user's slot must not open
	blob, err := seal([]byte("store-secret"), []byte("secret words"), []byte("user-1"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if _, err := open([]byte("store-secret"), blob, []byte("user-2")); err == nil {
		t.Error("expected decrypt failure with wrong additional data")
	}
}

func TestOpenTamperedBlob(t *testing.T) {
	secret := []byte("store-secret")
	blob, err := seal(secret, []byte("secret words"), []byte("user-1"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	env.CipherText[0] ^= 0xff
	tampered, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := open(secret, tampered, []byte("user-1")); err == nil {
		t.Error("expected decrypt failure for tampered blob")
	}
}
