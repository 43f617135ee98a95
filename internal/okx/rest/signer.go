package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Signer produces OKX v5 request signatures:
// base64(HMAC-SHA256(secret, timestamp + method + requestPath + body)).
type Signer struct {
	creds Credentials
	now   func() time.Time
}

func NewSigner(creds Credentials) (*Signer, error) {
	if creds.APIKey == "" || creds.Secret == "" || creds.Passphrase == "" {
		return nil, errors.New("api key, secret and passphrase are required")
	}
	return &Signer{creds: creds, now: time.Now}, nil
}

func (s *Signer) Sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(s.creds.Secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) apply(req *http.Request, requestPath, body string) {
	ts := s.now().UTC().Format(timestampLayout)
	req.Header.Set("OK-ACCESS-KEY", s.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", s.Sign(ts, req.Method, requestPath, body))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.creds.Passphrase)
}
