package crypto

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrKeyNotFound    = errors.New("encryption key not found")
	ErrKeyNotLoaded   = errors.New("key manager not initialized")
	ErrVersionMissing = errors.New("key version not configured")
)

// KeyManager holds one Encryptor per configured key version so the Vault
// can encrypt new secrets under the newest version while still decrypting
// ciphertext written under an older one — the rotation path is: add the
// new key as the next version, redeploy, then ReEncrypt every credential
// still carrying the old version's prefix.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager builds a KeyManager from version -> raw key bytes. Version
// 1 must be present; whichever version is numerically highest becomes
// current.
func NewKeyManager(keys map[int][]byte) (*KeyManager, error) {
	if _, ok := keys[1]; !ok {
		return nil, ErrVersionMissing
	}
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(keys))}
	for version, key := range keys {
		enc, err := NewEncryptor(key, version)
		if err != nil {
			return nil, fmt.Errorf("crypto: build encryptor v%d: %w", version, err)
		}
		km.encryptors[version] = enc
		if version > km.currentVer {
			km.currentVer = version
		}
	}
	return km, nil
}

// Encrypt encrypts plaintext using the current (latest) key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt decrypts ciphertext, automatically selecting the key version
// encoded in its ENC[v%d]: prefix.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("crypto: key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt decrypts with whichever version produced the ciphertext and
// re-encrypts under the current version, for migrating a credential off a
// retired key.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the key version new encryptions are made under.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// HasVersion reports whether a specific key version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.encryptors[version]
	return ok
}
