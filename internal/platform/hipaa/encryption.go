package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrUnknownKeyVersion   = errors.New("unknown key version")
)

// FieldEncryptor encrypts and decrypts single string values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DeterministicEncryptor is AES-256-GCM with a synthetic IV derived from
// HMAC-SHA256 over the plaintext. Equal plaintexts under the same key always
// produce equal ciphertexts, which is what lets encrypted columns be matched
// with a plain equality predicate.
//
// Wire form: "v<version>:" + base64url(iv || sealed).
type DeterministicEncryptor struct {
	aead    cipher.AEAD
	macKey  []byte
	version int
}

// NewDeterministicEncryptor splits the 32-byte key into an encryption key and
// an IV key with HKDF and returns an encryptor tagged with version.
func NewDeterministicEncryptor(key []byte, version int) (*DeterministicEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field encryptor: key must be 32 bytes, got %d", len(key))
	}
	if version < 1 {
		return nil, fmt.Errorf("field encryptor: version must be positive, got %d", version)
	}

	kdf := hkdf.New(sha256.New, key, nil, []byte("ehr field encryption"))
	encKey := make([]byte, 32)
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, encKey); err != nil {
		return nil, fmt.Errorf("field encryptor: derive enc key: %w", err)
	}
	if _, err := io.ReadFull(kdf, macKey); err != nil {
		return nil, fmt.Errorf("field encryptor: derive iv key: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("field encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field encryptor: create GCM: %w", err)
	}
	return &DeterministicEncryptor{aead: aead, macKey: macKey, version: version}, nil
}

// Version returns the key version stamped on ciphertexts.
func (e *DeterministicEncryptor) Version() int { return e.version }

func (e *DeterministicEncryptor) syntheticIV(plaintext []byte) []byte {
	m := hmac.New(sha256.New, e.macKey)
	m.Write(plaintext)
	return m.Sum(nil)[:e.aead.NonceSize()]
}

// Encrypt returns the deterministic ciphertext of plaintext. The empty string
// encrypts to itself.
func (e *DeterministicEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	pt := []byte(plaintext)
	iv := e.syntheticIV(pt)
	sealed := e.aead.Seal(append([]byte(nil), iv...), iv, pt, nil)
	return "v" + strconv.Itoa(e.version) + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails when the ciphertext carries a different
// key version, is not in the wire form, or does not authenticate.
func (e *DeterministicEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	version, payload, err := ParseCiphertext(ciphertext)
	if err != nil {
		return "", err
	}
	if version != e.version {
		return "", fmt.Errorf("%w: ciphertext v%d, key v%d", ErrUnknownKeyVersion, version, e.version)
	}
	ns := e.aead.NonceSize()
	if len(payload) < ns+e.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}
	iv, sealed := payload[:ns], payload[ns:]
	pt, err := e.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("field decrypt: %w", err)
	}
	if !hmac.Equal(iv, e.syntheticIV(pt)) {
		return "", fmt.Errorf("field decrypt: synthetic iv mismatch")
	}
	return string(pt), nil
}

// ParseCiphertext splits a wire-form ciphertext into its key version and
// decoded payload.
func ParseCiphertext(s string) (int, []byte, error) {
	prefix, body, ok := strings.Cut(s, ":")
	if !ok || len(prefix) < 2 || prefix[0] != 'v' {
		return 0, nil, fmt.Errorf("%w: missing version prefix", ErrMalformedCiphertext)
	}
	version, err := strconv.Atoi(prefix[1:])
	if err != nil || version < 1 {
		return 0, nil, fmt.Errorf("%w: bad version %q", ErrMalformedCiphertext, prefix)
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return version, payload, nil
}

// IsCiphertext reports whether s looks like a value produced by Encrypt.
func IsCiphertext(s string) bool {
	_, _, err := ParseCiphertext(s)
	return err == nil
}
