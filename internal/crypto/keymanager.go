// Package crypto holds the operator key at rest and signs CLOB requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

const (
	defaultIterations = 600_000
	minIterations     = 100_000
	saltSize          = 16
	keySize           = 32
	keyFileVersion    = 2
)

// keyFile is the on-disk format of a sealed private key.
type keyFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	// Address lets an operator check which wallet a file holds without the
	// password.
	Address string `json:"address,omitempty"`
}

// KeySource says where the operator key comes from. A raw key wins over a
// sealed file.
type KeySource struct {
	Raw      string
	Path     string
	Password string
}

var errEmptyPassword = errors.New("crypto: empty password")

// SealKey encrypts a hex private key with AES-256-GCM under a PBKDF2-SHA256
// derived key and returns the JSON file contents.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errEmptyPassword
	}
	raw, err := decodeKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: seal: salt: %w", err)
	}
	aead, err := newAEAD(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: seal: nonce: %w", err)
	}

	kf := keyFile{
		Version:    keyFileVersion,
		KDF:        "pbkdf2-sha256",
		Iterations: defaultIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, raw, nil)),
	}
	if s, err := NewSigner(hex.EncodeToString(raw), 0); err == nil {
		kf.Address = s.Address().Hex()
	}
	return json.MarshalIndent(kf, "", "  ")
}

// OpenKey decrypts a sealed key file and returns the hex key without 0x.
func OpenKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errEmptyPassword
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: open: parse: %w", err)
	}
	if kf.Version != keyFileVersion || kf.KDF != "pbkdf2-sha256" {
		return "", fmt.Errorf("crypto: open: unsupported key file v%d %q", kf.Version, kf.KDF)
	}
	if kf.Iterations < minIterations {
		return "", fmt.Errorf("crypto: open: %d iterations below minimum", kf.Iterations)
	}

	var salt, nonce, ct []byte
	for _, f := range []struct {
		dst *[]byte
		src string
	}{{&salt, kf.Salt}, {&nonce, kf.Nonce}, {&ct, kf.Ciphertext}} {
		b, err := base64.StdEncoding.DecodeString(f.src)
		if err != nil {
			return "", fmt.Errorf("crypto: open: decode: %w", err)
		}
		*f.dst = b
	}

	aead, err := newAEAD(password, salt, kf.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: open: nonce size %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open: wrong password or corrupt file: %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// ResolveKey returns the operator key from src. Every failure is fatal for
// live trading.
func ResolveKey(src KeySource) (string, error) {
	switch {
	case src.Raw != "":
		raw, err := decodeKey(src.Raw)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrConfigurationFatal, err)
		}
		return hex.EncodeToString(raw), nil
	case src.Path != "":
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w: %w", domain.ErrConfigurationFatal, err)
		}
		key, err := OpenKey(data, src.Password)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrConfigurationFatal, err)
		}
		return key, nil
	default:
		return "", fmt.Errorf("crypto: no private key configured: %w", domain.ErrConfigurationFatal)
	}
}

func decodeKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("crypto: private key is %d bytes, want %d", len(raw), keySize)
	}
	return raw, nil
}

func newAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}
