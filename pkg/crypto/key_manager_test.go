package crypto

import (
	"testing"
)

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestKeyManagerRequiresVersion1(t *testing.T) {
	_, err := NewKeyManager(map[int][]byte{2: testKey(2)})
	if err != ErrVersionMissing {
		t.Errorf("expected ErrVersionMissing, got %v", err)
	}
}

func TestKeyManagerEncryptsUnderCurrentVersion(t *testing.T) {
	km, err := NewKeyManager(map[int][]byte{1: testKey(1), 2: testKey(2)})
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	if km.CurrentVersion() != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", km.CurrentVersion())
	}

	ciphertext, err := km.Encrypt("api-secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ParseVersion(ciphertext) != 2 {
		t.Errorf("expected ciphertext encrypted under v2, got v%d", ParseVersion(ciphertext))
	}
}

func TestKeyManagerDecryptsOlderVersionAfterRotation(t *testing.T) {
	// A credential encrypted before rotation, when only v1 existed.
	single, err := NewKeyManager(map[int][]byte{1: testKey(1)})
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	ciphertext, err := single.Encrypt("old-api-key")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// After rotation, v2 is current but v1 is still loaded.
	rotated, err := NewKeyManager(map[int][]byte{1: testKey(1), 2: testKey(2)})
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}

	plaintext, err := rotated.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plaintext != "old-api-key" {
		t.Errorf("Decrypt = %q, want %q", plaintext, "old-api-key")
	}
}

func TestKeyManagerReEncryptMovesToCurrentVersion(t *testing.T) {
	single, err := NewKeyManager(map[int][]byte{1: testKey(1)})
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	oldCiphertext, err := single.Encrypt("rotating-secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	rotated, err := NewKeyManager(map[int][]byte{1: testKey(1), 2: testKey(2)})
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}

	newCiphertext, err := rotated.ReEncrypt(oldCiphertext)
	if err != nil {
		t.Fatalf("ReEncrypt failed: %v", err)
	}
	if ParseVersion(newCiphertext) != 2 {
		t.Errorf("expected ReEncrypt to move to v2, got v%d", ParseVersion(newCiphertext))
	}

	plaintext, err := rotated.Decrypt(newCiphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plaintext != "rotating-secret" {
		t.Errorf("Decrypt = %q, want %q", plaintext, "rotating-secret")
	}
}

func TestKeyManagerHasVersion(t *testing.T) {
	km, err := NewKeyManager(map[int][]byte{1: testKey(1)})
	if err != nil {
		t.Fatalf("NewKeyManager failed: %v", err)
	}
	if !km.HasVersion(1) {
		t.Error("expected HasVersion(1) to be true")
	}
	if km.HasVersion(2) {
		t.Error("expected HasVersion(2) to be false")
	}
}
