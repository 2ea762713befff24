package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/damacus/drive-index/internal/metrics"
)

const defaultTokenTTL = 6 * time.Hour

// downloadToken is the sealed token payload. Times are epoch milliseconds.
type downloadToken struct {
	ID  string `json:"id"`
	IAT *int64 `json:"iat"`
	EXP *int64 `json:"exp"`
}

func (t downloadToken) validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: token has no object id", ErrInvalidToken)
	case t.IAT == nil || t.EXP == nil:
		return fmt.Errorf("%w: token has no validity window", ErrInvalidToken)
	case *t.EXP <= *t.IAT:
		return fmt.Errorf("%w: token expires before it was issued", ErrInvalidToken)
	}
	return nil
}

// TokenService issues and validates stateless download tokens. A token
// binds one real object id until it expires; there is no revocation.
type TokenService struct {
	crypto     *CryptoService
	defaultTTL time.Duration
	now        func() time.Time
}

func NewTokenService(crypto *CryptoService, defaultTTL time.Duration) *TokenService {
	if defaultTTL <= 0 {
		defaultTTL = defaultTokenTTL
	}
	return &TokenService{crypto: crypto, defaultTTL: defaultTTL, now: time.Now}
}

// Issue seals a token for objectID. ttl <= 0 uses the default lifetime.
func (s *TokenService) Issue(objectID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	iat := s.now().UnixMilli()
	// whole milliseconds, rounded up
	exp := iat + int64((ttl+time.Millisecond-1)/time.Millisecond)
	tok := downloadToken{ID: objectID, IAT: &iat, EXP: &exp}
	if err := tok.validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	sealed, err := s.crypto.SealJSON(tok)
	if err != nil {
		return "", err
	}
	metrics.RecordTokenIssued()
	return sealed, nil
}

// Validate opens token and returns the bound object id. Expired tokens
// report ErrTokenExpired, anything unreadable ErrInvalidToken.
func (s *TokenService) Validate(token string) (string, error) {
	if token == "" {
		metrics.RecordTokenValidation("invalid")
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	plaintext, err := s.crypto.Decrypt(token)
	if err != nil {
		metrics.RecordTokenValidation("invalid")
		return "", err
	}

	var tok downloadToken
	dec := json.NewDecoder(bytes.NewReader([]byte(plaintext)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tok); err != nil {
		metrics.RecordTokenValidation("invalid")
		return "", fmt.Errorf("%w: malformed payload", ErrInvalidToken)
	}
	if _, err := dec.Token(); err != io.EOF {
		metrics.RecordTokenValidation("invalid")
		return "", fmt.Errorf("%w: trailing data", ErrInvalidToken)
	}
	if err := tok.validate(); err != nil {
		metrics.RecordTokenValidation("invalid")
		return "", err
	}

	if s.now().UnixMilli() >= *tok.EXP {
		metrics.RecordTokenValidation("expired")
		return "", ErrTokenExpired
	}
	metrics.RecordTokenValidation("valid")
	return tok.ID, nil
}

// ValidateFor checks that token is valid and bound to objectID.
func (s *TokenService) ValidateFor(token, objectID string) error {
	id, err := s.Validate(token)
	if err != nil {
		return err
	}
	if id != objectID {
		metrics.RecordTokenValidation("mismatch")
		return fmt.Errorf("%w: token is bound to another object", ErrInvalidToken)
	}
	return nil
}
