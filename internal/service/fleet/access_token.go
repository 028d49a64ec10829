package fleet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const accessKeyEnv = "FLEETDIAG_ACCESS_KEY"

var (
	errInvalidCiphertext = errors.New("invalid access token ciphertext")

	// ErrAccessTokensDisabled is returned when no cipher key is configured.
	ErrAccessTokensDisabled = errors.New("attachment access tokens are not configured")

	// ErrAccessTokenExpired is returned for a valid but stale token.
	ErrAccessTokenExpired = errors.New("access token expired")
)

type accessCipher struct {
	aead cipher.AEAD
}

func newAccessCipherFromEnv() (*accessCipher, error) {
	raw := strings.TrimSpace(os.Getenv(accessKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s not set", accessKeyEnv)
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", accessKeyEnv, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &accessCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (c *accessCipher) encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	cipherText := c.aead.Seal(nil, nonce, []byte(plain), nil)
	buf := append(nonce, cipherText...)
	return base64.URLEncoding.EncodeToString(buf), nil
}

func (c *accessCipher) decrypt(input string) (string, error) {
	data, err := base64.URLEncoding.DecodeString(input)
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	nonce := data[:ns]
	cipherText := data[ns:]
	plain, err := c.aead.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}

// IssueAttachmentToken returns an encrypted, expiring handle granting
// download access to one attachment without re-authenticating.
func (s *Service) IssueAttachmentToken(attachmentID int64, ttl time.Duration) (string, error) {
	if s.cipher == nil {
		return "", ErrAccessTokensDisabled
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	payload := fmt.Sprintf("%d|%d", attachmentID, time.Now().UTC().Add(ttl).Unix())
	return s.cipher.encrypt(payload)
}

// OpenAttachmentToken validates a download token and returns the attachment id.
func (s *Service) OpenAttachmentToken(token string) (int64, error) {
	if s.cipher == nil {
		return 0, ErrAccessTokensDisabled
	}
	payload, err := s.cipher.decrypt(token)
	if err != nil {
		return 0, err
	}
	parts := strings.SplitN(payload, "|", 2)
	if len(parts) != 2 {
		return 0, errInvalidCiphertext
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, errInvalidCiphertext
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, errInvalidCiphertext
	}
	if time.Now().UTC().Unix() > exp {
		return 0, ErrAccessTokenExpired
	}
	return id, nil
}
