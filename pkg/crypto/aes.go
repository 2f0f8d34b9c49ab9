package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrDecrypt = errors.New("decryption failed")

// KeyBundle is the JSON document wrapped with the recipient's RSA key in
// Diaspora private deliveries.
type KeyBundle struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

// DecryptKeyBundle unwraps an RSA encrypted {key, iv} bundle
func DecryptKeyBundle(encrypted []byte, priv *rsa.PrivateKey) (key, iv []byte, err error) {
	if priv == nil {
		return nil, nil, fmt.Errorf("%w: no private key", ErrDecrypt)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, priv, encrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key bundle: %v", ErrDecrypt, err)
	}

	var bundle KeyBundle
	if err := json.Unmarshal(plain, &bundle); err != nil {
		return nil, nil, fmt.Errorf("%w: key bundle is not JSON: %v", ErrDecrypt, err)
	}
	if key, err = base64.StdEncoding.DecodeString(bundle.Key); err != nil {
		return nil, nil, fmt.Errorf("%w: bundle key: %v", ErrDecrypt, err)
	}
	if iv, err = base64.StdEncoding.DecodeString(bundle.IV); err != nil {
		return nil, nil, fmt.Errorf("%w: bundle iv: %v", ErrDecrypt, err)
	}
	return key, iv, nil
}

// EncryptKeyBundle wraps key and iv for a recipient
func EncryptKeyBundle(key, iv []byte, pub *rsa.PublicKey) ([]byte, error) {
	plain, err := json.Marshal(KeyBundle{
		Key: base64.StdEncoding.EncodeToString(key),
		IV:  base64.StdEncoding.EncodeToString(iv),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key bundle: %w", err)
	}
	out, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key bundle: %w", err)
	}
	return out, nil
}

// NewAESKey returns a random AES-256 key and IV
func NewAESKey() (key, iv []byte, err error) {
	key = make([]byte, 32)
	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return key, iv, nil
}

// DecryptAESCBC decrypts AES-256-CBC with PKCS#7 padding. Short keys and IVs
// are right-padded with NUL bytes the way the sending implementations do.
func DecryptAESCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, paddedIV, err := newCipher(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(ciphertext))
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, paddedIV).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

// EncryptAESCBC is the inverse of DecryptAESCBC
func EncryptAESCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, paddedIV, err := newCipher(key, iv)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, paddedIV).CryptBlocks(out, padded)
	return out, nil
}

func newCipher(key, iv []byte) (cipher.Block, []byte, error) {
	if len(key) > 32 || len(iv) > aes.BlockSize {
		return nil, nil, fmt.Errorf("%w: key or iv too long", ErrDecrypt)
	}
	paddedKey := make([]byte, 32)
	copy(paddedKey, key)
	paddedIV := make([]byte, aes.BlockSize)
	copy(paddedIV, iv)

	block, err := aes.NewCipher(paddedKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return block, paddedIV, nil
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
