package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"courier/pkg/types"
)

// MinKeyBits is the smallest modulus accepted for verification
const MinKeyBits = 1024

var ErrUnsupportedAlg = errors.New("unsupported signature algorithm")

// Reason explains a verification result for logs. It is never sent to peers.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonEmptySignature Reason = "empty_signature"
	ReasonNoKey          Reason = "no_key"
	ReasonKeyTooSmall    Reason = "key_too_small"
	ReasonBadSignature   Reason = "bad_signature"
)

// Verify checks an RSA-SHA256 PKCS#1 v1.5 signature. It reports false with a
// reason on any malformed input and never panics.
func Verify(signed, sig []byte, pub *rsa.PublicKey) (bool, Reason) {
	if pub == nil || pub.N == nil {
		return false, ReasonNoKey
	}
	if len(sig) == 0 {
		return false, ReasonEmptySignature
	}
	if pub.N.BitLen() < MinKeyBits {
		return false, ReasonKeyTooSmall
	}

	digest := sha256.Sum256(signed)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return false, ReasonBadSignature
	}
	return true, ReasonOK
}

// VerifyVariants tries the signature against every reconstruction of the
// signed string and returns the name of the first that verifies.
func VerifyVariants(variants []types.SignedVariant, sig []byte, pub *rsa.PublicKey) (string, bool, Reason) {
	reason := ReasonBadSignature
	for _, v := range variants {
		ok, r := Verify(v.Text, sig, pub)
		if ok {
			return v.Name, true, ReasonOK
		}
		reason = r
		if r == ReasonNoKey || r == ReasonEmptySignature || r == ReasonKeyTooSmall {
			break
		}
	}
	return "", false, reason
}

// ValidateAlg checks the envelope's advisory alg field. Absent is accepted
// since very old senders omitted it.
func ValidateAlg(alg string) error {
	alg = strings.TrimSpace(alg)
	if alg == "" || strings.EqualFold(alg, string(types.AlgRSASHA256)) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedAlg, alg)
}

// Sign produces an RSA-SHA256 PKCS#1 v1.5 signature
func Sign(data []byte, priv *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}
