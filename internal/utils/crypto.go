package utils

import (
    "crypto/rand"
    "crypto/sha256"
    "encoding/base64"
    "errors"
    "fmt"
    "io"
    "strings"

    "golang.org/x/crypto/chacha20poly1305"
    "golang.org/x/crypto/hkdf"
)

// sealedPrefix marks values produced by TokenCipher.Seal.  Values without
// it are treated as legacy plaintext by Open.
const sealedPrefix = "v1:"

// ErrMalformedCiphertext is returned by Open for corrupted sealed values.
var ErrMalformedCiphertext = errors.New("malformed sealed token")

// TokenCipher seals OAuth tokens before they are written to MySQL.  The
// XChaCha20-Poly1305 key is derived from an operator secret with HKDF.
type TokenCipher struct {
    key []byte
}

// NewTokenCipher derives a cipher key from secret.  An empty secret is an
// error; callers that want plaintext storage pass a nil cipher instead.
func NewTokenCipher(secret string) (*TokenCipher, error) {
    if secret == "" {
        return nil, errors.New("token encryption secret is empty")
    }
    key := make([]byte, chacha20poly1305.KeySize)
    kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("procore-connection-tokens"))
    if _, err := io.ReadFull(kdf, key); err != nil {
        return nil, fmt.Errorf("derive token key: %w", err)
    }
    return &TokenCipher{key: key}, nil
}

// Seal encrypts plain and returns a printable value.  The empty string is
// stored as is.
func (c *TokenCipher) Seal(plain string) (string, error) {
    if plain == "" {
        return "", nil
    }
    aead, err := chacha20poly1305.NewX(c.key)
    if err != nil {
        return "", err
    }
    nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
    if _, err := rand.Read(nonce); err != nil {
        return "", err
    }
    out := aead.Seal(nonce, nonce, []byte(plain), nil)
    return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.  Values written before encryption was enabled are
// returned unchanged.
func (c *TokenCipher) Open(stored string) (string, error) {
    if !strings.HasPrefix(stored, sealedPrefix) {
        return stored, nil
    }
    raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
    if err != nil {
        return "", ErrMalformedCiphertext
    }
    aead, err := chacha20poly1305.NewX(c.key)
    if err != nil {
        return "", err
    }
    if len(raw) < aead.NonceSize()+aead.Overhead() {
        return "", ErrMalformedCiphertext
    }
    plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
    if err != nil {
        return "", ErrMalformedCiphertext
    }
    return string(plain), nil
}
