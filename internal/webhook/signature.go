package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// Signature schemes.
const (
	SchemePaystack   = "paystack"    // hex HMAC-SHA512 of the raw body
	SchemeHMACSHA256 = "hmac-sha256" // hex HMAC-SHA256 of the raw body, optional "sha256=" prefix
)

// Gateway is the per-processor configuration. An empty Secret fails closed.
type Gateway struct {
	Name   string `yaml:"name" json:"name"`
	Scheme string `yaml:"scheme" json:"scheme"`
	Secret string `yaml:"secret" json:"-"`
	Header string `yaml:"header" json:"header"`
}

// SignatureHeader is the request header carrying the MAC.
func (g Gateway) SignatureHeader() string {
	if g.Header != "" {
		return g.Header
	}
	if g.Scheme == SchemePaystack {
		return "X-Paystack-Signature"
	}
	return "X-Signature"
}

// Verify checks signature against body. It returns ErrInvalidSignature on any mismatch.
func (g Gateway) Verify(body []byte, signature string) error {
	if g.Secret == "" {
		return ErrInvalidSignature
	}
	var mac hash.Hash
	sig := strings.TrimSpace(signature)
	switch g.Scheme {
	case SchemePaystack:
		mac = hmac.New(sha512.New, []byte(g.Secret))
	case SchemeHMACSHA256, "":
		mac = hmac.New(sha256.New, []byte(g.Secret))
		sig = strings.TrimPrefix(sig, "sha256=")
	default:
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value Verify accepts for body.
func (g Gateway) Sign(body []byte) string {
	var mac hash.Hash
	if g.Scheme == SchemePaystack {
		mac = hmac.New(sha512.New, []byte(g.Secret))
	} else {
		mac = hmac.New(sha256.New, []byte(g.Secret))
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
