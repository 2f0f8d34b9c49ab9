// Package crypto decodes remote public keys and verifies envelope signatures.
// Every function is pure; nothing here touches the network or storage.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInvalidKey     = errors.New("invalid public key")
	ErrInvalidPrivate = errors.New("invalid private key")
)

// ParsePublicKey accepts every public key encoding seen in the wild:
// PEM ("PUBLIC KEY" or "RSA PUBLIC KEY"), base64 wrapped PEM, magic keys
// ("RSA.<mod>.<exp>") and data: URIs carrying either.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		} else {
			s = s[len("data:"):]
		}
		s = strings.TrimSpace(s)
	}

	if strings.HasPrefix(s, "RSA.") {
		return parseMagicKey(s)
	}

	if strings.Contains(s, "-----BEGIN") {
		return parsePEMPublicKey([]byte(s))
	}

	// diaspora-public-key links carry the PEM itself base64 encoded
	if decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(s)); err == nil &&
		strings.Contains(string(decoded), "-----BEGIN") {
		return parsePEMPublicKey(decoded)
	}

	return nil, fmt.Errorf("%w: unrecognised encoding", ErrInvalidKey)
}

func parsePEMPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return pub, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

func parseMagicKey(s string) (*rsa.PublicKey, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: magic key needs three parts", ErrInvalidKey)
	}

	mod, err := Base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrInvalidKey, err)
	}
	exp, err := Base64URLDecode(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %v", ErrInvalidKey, err)
	}
	return KeyFromParts(mod, exp)
}

// KeyFromParts rebuilds a key from big-endian modulus and exponent bytes
func KeyFromParts(modulus, exponent []byte) (*rsa.PublicKey, error) {
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, fmt.Errorf("%w: empty modulus or exponent", ErrInvalidKey)
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("%w: exponent out of range", ErrInvalidKey)
	}
	n := new(big.Int).SetBytes(modulus)
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero modulus", ErrInvalidKey)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// KeyParts returns the big-endian modulus and exponent
func KeyParts(pub *rsa.PublicKey) (modulus, exponent []byte) {
	return pub.N.Bytes(), big.NewInt(int64(pub.E)).Bytes()
}

// MagicKey renders pub in the Salmon "RSA.<mod>.<exp>" form
func MagicKey(pub *rsa.PublicKey) string {
	mod, exp := KeyParts(pub)
	return "RSA." + Base64URLEncode(mod) + "." + Base64URLEncode(exp)
}

// KeyHash is the Salmon key identifier: base64url of the hex SHA-256 of the
// magic key string.
func KeyHash(magicKey string) string {
	sum := sha256.Sum256([]byte(magicKey))
	return Base64URLEncode([]byte(hex.EncodeToString(sum[:])))
}

// KeyHashEqual compares key hashes ignoring padding differences between senders
func KeyHashEqual(a, b string) bool {
	return a != "" && strings.TrimRight(a, "=") == strings.TrimRight(b, "=")
}

// Fingerprint identifies a key independent of its encoding
func Fingerprint(pub *rsa.PublicKey) string {
	if pub == nil || pub.N == nil {
		return ""
	}
	der := x509.MarshalPKCS1PublicKey(pub)
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// EncodePublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivateKeyPEM encodes priv as a PKCS#1 "RSA PRIVATE KEY" block
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

// ParsePrivateKey reads a PKCS#1 or PKCS#8 PEM private key
func ParsePrivateKey(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPrivate)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivate, err)
		}
		return priv, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivate, err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPrivate)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPrivate, block.Type)
	}
}

// GenerateKey creates a keypair for a local user
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return priv, nil
}

// Base64URLEncode is padded base64url, matching what Salmon peers emit
func Base64URLEncode(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// Base64URLDecode tolerates padding, missing padding, embedded whitespace
// and the standard alphabet, all of which remote servers send.
func Base64URLDecode(s string) ([]byte, error) {
	s = stripWhitespace(s)
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
