package identity

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	recipient, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("hello, recipient"),
		bytes.Repeat([]byte{0x42}, 10_000),
	}
	for _, pt := range plaintexts {
		ct, err := EncryptTo(recipient.Public, pt)
		if err != nil {
			t.Fatalf("EncryptTo: %v", err)
		}
		got, err := recipient.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch: got %q want %q", got, pt)
		}
	}
}

func TestDecryptFailsForWrongRecipient(t *testing.T) {
	recipient, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ct, err := EncryptTo(recipient.Public, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	if _, err := other.Decrypt(ct); err == nil {
		t.Fatal("expected decrypt to fail for the wrong recipient")
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	recipient, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ct, err := EncryptTo(recipient.Public, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	ct[len(ct)-1] ^= 0x01
	if _, err := recipient.Decrypt(ct); err == nil {
		t.Fatal("expected decrypt to fail on tampered ciphertext")
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	recipient, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	a, err := EncryptTo(recipient.Public, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	b, err := EncryptTo(recipient.Public, []byte("same plaintext"))
	if err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertexts")
	}
}
