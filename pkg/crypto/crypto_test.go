package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"strings"
	"sync"
	"testing"

	"courier/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = GenerateKey(1024)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

func TestParsePublicKeyEncodings(t *testing.T) {
	priv := key(t)
	want := Fingerprint(&priv.PublicKey)

	pkix, err := EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	}))
	magic := MagicKey(&priv.PublicKey)

	tests := []struct {
		name  string
		input string
	}{
		{"pkix pem", pkix},
		{"pkcs1 pem", pkcs1},
		{"magic key", magic},
		{"unpadded magic key", strings.ReplaceAll(magic, "=", "")},
		{"data uri", "data:application/magic-public-key," + magic},
		{"base64 pem", base64.StdEncoding.EncodeToString([]byte(pkix))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, err := ParsePublicKey(tt.input)
			require.NoError(t, err)
			assert.Equal(t, want, Fingerprint(pub))
		})
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	for _, input := range []string{
		"",
		"RSA.only-two",
		"RSA.!!!.AQAB",
		"-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----",
		"hello world",
	} {
		_, err := ParsePublicKey(input)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", input)
	}
}

func TestKeyFromParts(t *testing.T) {
	priv := key(t)
	mod, exp := KeyParts(&priv.PublicKey)

	pub, err := KeyFromParts(mod, exp)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.E, pub.E)
	assert.Equal(t, 0, priv.PublicKey.N.Cmp(pub.N))

	_, err = KeyFromParts(nil, exp)
	assert.Error(t, err)
	_, err = KeyFromParts(mod, []byte{1})
	assert.Error(t, err)
}

func TestVerifyRoundTripAndBitFlips(t *testing.T) {
	priv := key(t)
	signed := []byte("PHhtbD4.YXBwbGljYXRpb24veG1s.YmFzZTY0dXJs.UlNBLVNIQTI1Ng")

	sig, err := Sign(signed, priv)
	require.NoError(t, err)

	ok, reason := Verify(signed, sig, &priv.PublicKey)
	require.True(t, ok)
	assert.Equal(t, ReasonOK, reason)

	for i := 0; i < len(sig)*8; i++ {
		flipped := append([]byte(nil), sig...)
		flipped[i/8] ^= 1 << (i % 8)
		ok, reason := Verify(signed, flipped, &priv.PublicKey)
		if ok {
			t.Fatalf("signature with bit %d flipped verified", i)
		}
		assert.Equal(t, ReasonBadSignature, reason)
	}
}

func TestVerifyMalformedInput(t *testing.T) {
	priv := key(t)

	ok, reason := Verify([]byte("x"), nil, &priv.PublicKey)
	assert.False(t, ok)
	assert.Equal(t, ReasonEmptySignature, reason)

	ok, reason = Verify([]byte("x"), []byte("sig"), nil)
	assert.False(t, ok)
	assert.Equal(t, ReasonNoKey, reason)

	ok, reason = Verify([]byte("x"), []byte("sig"), &rsa.PublicKey{})
	assert.False(t, ok)
	assert.Equal(t, ReasonNoKey, reason)

	tiny := &rsa.PublicKey{N: big.NewInt(3233), E: 17}
	ok, reason = Verify([]byte("x"), []byte("sig"), tiny)
	assert.False(t, ok)
	assert.Equal(t, ReasonKeyTooSmall, reason)

	ok, reason = Verify([]byte("x"), []byte("truncated"), &priv.PublicKey)
	assert.False(t, ok)
	assert.Equal(t, ReasonBadSignature, reason)
}

func TestVerifyVariants(t *testing.T) {
	priv := key(t)
	canonical := "ZGF0YQ==.dGV4dC94bWw=.YmFzZTY0dXJs.UlNBLVNIQTI1Ng=="
	variants := []types.SignedVariant{
		{Name: "gnusocial", Text: []byte(canonical)},
		{Name: "compliant", Text: []byte(strings.ReplaceAll(canonical, "=", ""))},
		{Name: "statusnet", Text: []byte("ZGF0YQ==")},
	}

	for _, v := range variants {
		t.Run(v.Name, func(t *testing.T) {
			sig, err := Sign(v.Text, priv)
			require.NoError(t, err)

			name, ok, _ := VerifyVariants(variants, sig, &priv.PublicKey)
			assert.True(t, ok)
			assert.Equal(t, v.Name, name)
		})
	}

	sig, err := Sign([]byte("something else entirely"), priv)
	require.NoError(t, err)
	name, ok, reason := VerifyVariants(variants, sig, &priv.PublicKey)
	assert.False(t, ok)
	assert.Empty(t, name)
	assert.Equal(t, ReasonBadSignature, reason)
}

func TestValidateAlg(t *testing.T) {
	assert.NoError(t, ValidateAlg("RSA-SHA256"))
	assert.NoError(t, ValidateAlg("rsa-sha256"))
	assert.NoError(t, ValidateAlg(""))
	assert.ErrorIs(t, ValidateAlg("HMAC-SHA1"), ErrUnsupportedAlg)
}

func TestKeyHash(t *testing.T) {
	magic := MagicKey(&key(t).PublicKey)
	hash := KeyHash(magic)

	assert.Equal(t, hash, KeyHash(magic))
	assert.True(t, KeyHashEqual(hash, strings.TrimRight(hash, "=")))
	assert.False(t, KeyHashEqual("", ""))
	assert.False(t, KeyHashEqual(hash, KeyHash(magic+"x")))

	decoded, err := Base64URLDecode(hash)
	require.NoError(t, err)
	assert.Len(t, decoded, 64)
}

func TestBase64URLDecodeTolerance(t *testing.T) {
	for _, input := range []string{"aGVsbG8_Pz8-", "aGVsbG8/Pz8+", "aGVs\nbG8_ Pz8-", "aGVsbG8_Pz8-=="} {
		got, err := Base64URLDecode(input)
		require.NoError(t, err, input)
		assert.Equal(t, "hello???>", string(got))
	}
}

func TestAESRoundTrip(t *testing.T) {
	key, iv, err := NewAESKey()
	require.NoError(t, err)

	plain := []byte("<XML><post><status_message/></post></XML>")
	ciphertext, err := EncryptAESCBC(key, iv, plain)
	require.NoError(t, err)

	got, err := DecryptAESCBC(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestAESShortKeyIsNulPadded(t *testing.T) {
	short := []byte("short-key")
	padded := append([]byte("short-key"), make([]byte, 32-len(short))...)

	ciphertext, err := EncryptAESCBC(padded, nil, []byte("payload"))
	require.NoError(t, err)

	got, err := DecryptAESCBC(short, make([]byte, 3), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestAESRejectsBadCiphertext(t *testing.T) {
	key, iv, err := NewAESKey()
	require.NoError(t, err)

	_, err = DecryptAESCBC(key, iv, []byte("not a block multiple"))
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = DecryptAESCBC(key, iv, nil)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = DecryptAESCBC(make([]byte, 40), iv, make([]byte, 16))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestKeyBundleRoundTrip(t *testing.T) {
	priv := key(t)
	aesKey, iv, err := NewAESKey()
	require.NoError(t, err)

	wrapped, err := EncryptKeyBundle(aesKey, iv, &priv.PublicKey)
	require.NoError(t, err)

	gotKey, gotIV, err := DecryptKeyBundle(wrapped, priv)
	require.NoError(t, err)
	assert.Equal(t, aesKey, gotKey)
	assert.Equal(t, iv, gotIV)

	_, _, err = DecryptKeyBundle([]byte("garbage"), priv)
	assert.ErrorIs(t, err, ErrDecrypt)
	_, _, err = DecryptKeyBundle(wrapped, nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	priv := key(t)
	parsed, err := ParsePrivateKey(EncodePrivateKeyPEM(priv))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(&priv.PublicKey), Fingerprint(&parsed.PublicKey))

	_, err = ParsePrivateKey("nope")
	assert.ErrorIs(t, err, ErrInvalidPrivate)
}
