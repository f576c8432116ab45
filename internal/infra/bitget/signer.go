package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer handles Bitget V2 API authentication signatures
type Signer struct {
	accessKey  string
	secretKey  string
	passphrase string
	now        func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(accessKey, secretKey, passphrase string) *Signer {
	return &Signer{
		accessKey:  accessKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		now:        time.Now,
	}
}

// GenerateHeaders creates the auth headers for a request.
// path has no host; query is the raw query string, empty if none; body is the JSON payload.
//
//	sign = base64(hmac_sha256(secret, timestamp + METHOD + path[?query] + body))
func (s *Signer) GenerateHeaders(method, path, query, body string) map[string]string {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	fullPath := path
	if query != "" {
		fullPath = path + "?" + query
	}
	sign := computeHmacSha256(timestamp+method+fullPath+body, s.secretKey)

	return map[string]string{
		"ACCESS-KEY":        s.accessKey,
		"ACCESS-SIGN":       sign,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": s.passphrase,
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
