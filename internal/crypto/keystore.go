package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	cipherName        = "pbkdf2-sha256/chacha20-poly1305"
	saltSize          = 16
	DefaultIterations = 200000
)

// KeyStore is a disk's password-wrapped data encryption key.
type KeyStore struct {
	Cipher     string `cbor:"1,keyasint"`
	Salt       []byte `cbor:"2,keyasint"`
	Iterations int    `cbor:"3,keyasint"`
	Nonce      []byte `cbor:"4,keyasint"`
	Wrapped    []byte `cbor:"5,keyasint"`
}

// Encode returns the base64 text form stored in machine definitions.
func (ks KeyStore) Encode() (string, error) {
	raw, err := cbor.Marshal(ks)
	if err != nil {
		return "", fmt.Errorf("encode key store: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeKeyStore parses the text form produced by Encode.
func DecodeKeyStore(s string) (KeyStore, error) {
	var ks KeyStore
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ks, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := cbor.Unmarshal(raw, &ks); err != nil {
		return ks, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if ks.Cipher != cipherName || len(ks.Salt) == 0 || ks.Iterations <= 0 ||
		len(ks.Nonce) != chacha20poly1305.NonceSize {
		return ks, ErrInvalidDescriptor
	}
	return ks, nil
}

func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, chacha20poly1305.KeySize, sha256.New)
}

// WrapKey seals dek with a key derived from password.
func (m *Module) WrapKey(dek []byte, password string, iterations int) (KeyStore, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	ks := KeyStore{
		Cipher:     m.name,
		Salt:       make([]byte, saltSize),
		Iterations: iterations,
		Nonce:      make([]byte, chacha20poly1305.NonceSize),
	}
	if _, err := rand.Read(ks.Salt); err != nil {
		return ks, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(ks.Nonce); err != nil {
		return ks, fmt.Errorf("generate nonce: %w", err)
	}

	kek := deriveKey(password, ks.Salt, iterations)
	defer clear(kek)
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return ks, fmt.Errorf("create cipher: %w", err)
	}
	ks.Wrapped = aead.Seal(nil, ks.Nonce, dek, []byte(ks.Cipher))
	return ks, nil
}

// UnwrapKey opens the data encryption key with password. A wrong password
// yields ErrPasswordIncorrect.
func (m *Module) UnwrapKey(ks KeyStore, password string) ([]byte, error) {
	if ks.Cipher != m.name {
		return nil, fmt.Errorf("%w: cipher %q", ErrInvalidDescriptor, ks.Cipher)
	}
	kek := deriveKey(password, ks.Salt, ks.Iterations)
	defer clear(kek)
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	dek, err := aead.Open(nil, ks.Nonce, ks.Wrapped, []byte(ks.Cipher))
	if err != nil {
		return nil, ErrPasswordIncorrect
	}
	return dek, nil
}
