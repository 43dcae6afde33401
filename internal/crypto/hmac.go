package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// APICreds are the L2 credentials issued by the CLOB for a wallet.
type APICreds struct {
	Key        string
	Secret     string // URL-safe base64
	Passphrase string
}

// Valid reports whether all three parts are present.
func (c APICreds) Valid() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// Headers returns the POLY_* L2 headers for one request. The signature is
// HMAC-SHA256 over timestamp+method+path+body keyed by the decoded secret.
func (c APICreds) Headers(address, method, path, body string, at time.Time) map[string]string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  c.sign(ts + method + path + body),
	}
}

func (c APICreds) sign(message string) string {
	secret, err := base64.URLEncoding.DecodeString(c.Secret)
	if err != nil {
		if secret, err = base64.StdEncoding.DecodeString(c.Secret); err != nil {
			secret = []byte(c.Secret)
		}
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// String hides the secret parts.
func (c APICreds) String() string {
	if len(c.Key) <= 4 {
		return "APICreds{key=****}"
	}
	return "APICreds{key=" + c.Key[:4] + "****}"
}
