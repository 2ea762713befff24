package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// opaqueSeparator splits the hex ciphertext from the hex nonce.
const opaqueSeparator = "."

const keyInfo = "drive-index aes-256-gcm v1"

// CryptoService turns real store identifiers (and other small strings) into
// opaque, URL-safe tokens and back.
type CryptoService struct {
	encryptionKey []byte
}

// NewCryptoService derives the default key from secret. An empty secret
// generates an ephemeral key: every opaque id and cookie then becomes
// invalid on restart.
func NewCryptoService(secret string, logger *zap.Logger) (*CryptoService, error) {
	if secret == "" {
		if logger != nil {
			logger.Warn("INDEX_SECRET_KEY not set, using an ephemeral key")
		}
		raw := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			return nil, fmt.Errorf("%w: generating key: %w", ErrInternal, err)
		}
		return &CryptoService{encryptionKey: raw}, nil
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &CryptoService{encryptionKey: key}, nil
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: deriving key: %w", ErrInternal, err)
	}
	return key, nil
}

// Encrypt seals plaintext with the default key.
func (s *CryptoService) Encrypt(plaintext string) (string, error) {
	return seal(s.encryptionKey, []byte(plaintext))
}

// Decrypt opens a token produced by Encrypt.
func (s *CryptoService) Decrypt(token string) (string, error) {
	out, err := open(s.encryptionKey, token)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncryptWithKey seals plaintext with a one-off key instead of the default.
func (s *CryptoService) EncryptWithKey(plaintext, key string) (string, error) {
	k, err := deriveKey(key)
	if err != nil {
		return "", err
	}
	return seal(k, []byte(plaintext))
}

// DecryptWithKey opens a token produced by EncryptWithKey with the same key.
func (s *CryptoService) DecryptWithKey(token, key string) (string, error) {
	k, err := deriveKey(key)
	if err != nil {
		return "", err
	}
	out, err := open(k, token)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SealJSON serializes v and encrypts it (used for the unlock cookie).
func (s *CryptoService) SealJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: encoding payload: %w", ErrInternal, err)
	}
	return seal(s.encryptionKey, data)
}

// OpenJSON decrypts token and decodes the JSON payload into v.
func (s *CryptoService) OpenJSON(token string, v any) error {
	data, err := open(s.encryptionKey, token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidToken)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return gcm, nil
}

func seal(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: reading nonce: %w", ErrInternal, err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(ciphertext) + opaqueSeparator + hex.EncodeToString(nonce), nil
}

func open(key []byte, token string) ([]byte, error) {
	encCiphertext, encNonce, ok := strings.Cut(token, opaqueSeparator)
	if !ok {
		return nil, fmt.Errorf("%w: missing nonce separator", ErrInvalidToken)
	}

	ciphertext, err := hex.DecodeString(encCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not hex", ErrInvalidToken)
	}
	nonce, err := hex.DecodeString(encNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce is not hex", ErrInvalidToken)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: malformed nonce", ErrInvalidToken)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalidToken)
	}
	return plaintext, nil
}
