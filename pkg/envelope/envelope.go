// Package envelope recognises the three inbound wire formats and extracts the
// signed payload, signature and author hints without verifying anything.
package envelope

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"courier/pkg/crypto"
	"courier/pkg/types"

	"go.uber.org/zap"
)

var (
	ErrMalformed          = errors.New("malformed envelope")
	ErrUnrecognizedFormat = errors.New("unrecognized envelope format")
)

const (
	VariantGNUSocial = "gnusocial"
	VariantCompliant = "compliant"
	VariantStatusNet = "statusnet"
)

type options struct {
	privateKey *rsa.PrivateKey
	logger     *zap.Logger
}

type Option func(*options)

// WithPrivateKey supplies the recipient key for encrypted deliveries
func WithPrivateKey(key *rsa.PrivateKey) Option {
	return func(o *options) { o.privateKey = key }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// attempt reports ok=false with a nil error when the input is simply not its
// format, which lets the next attempt run.
type attempt struct {
	name  string
	parse func(raw []byte, o *options) (*types.RemoteMessage, bool, error)
}

var attempts = []attempt{
	{name: "diaspora_raw", parse: parseDiasporaRaw},
	{name: "salmon", parse: parseSalmon},
}

// Parse identifies the envelope format of raw. The first attempt that
// recognises the input wins.
func Parse(raw []byte, opts ...Option) (*types.RemoteMessage, error) {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnrecognizedFormat)
	}

	for _, a := range attempts {
		msg, ok, err := a.parse(raw, o)
		if err != nil {
			return nil, err
		}
		if ok {
			msg.RawPayload = raw
			return msg, nil
		}
		o.logger.Debug("Envelope attempt did not match", zap.String("attempt", a.name))
	}
	return nil, ErrUnrecognizedFormat
}

// DecodeData returns the payload bytes the signature covers, removing the
// inner AES layer of legacy private envelopes.
func DecodeData(msg *types.RemoteMessage) ([]byte, error) {
	data, err := crypto.Base64URLDecode(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64url: %v", ErrMalformed, err)
	}
	if msg.InnerKey == nil {
		return data, nil
	}

	encrypted, err := crypto.Base64URLDecode(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: inner payload is not base64: %v", ErrMalformed, err)
	}
	plain, err := crypto.DecryptAESCBC(msg.InnerKey, msg.InnerIV, encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plain, nil
}

// SignedText reconstructs the string a sender signed for the given variant
func SignedText(data, dataType, encoding, alg, variant string) []byte {
	canonical := data + "." +
		crypto.Base64URLEncode([]byte(dataType)) + "." +
		crypto.Base64URLEncode([]byte(encoding)) + "." +
		crypto.Base64URLEncode([]byte(alg))

	switch variant {
	case VariantCompliant:
		return []byte(strings.ReplaceAll(canonical, "=", ""))
	case VariantStatusNet:
		return []byte(data)
	default:
		return []byte(canonical)
	}
}

func allVariants(data, dataType, encoding, alg string) []types.SignedVariant {
	names := []string{VariantGNUSocial, VariantCompliant, VariantStatusNet}
	out := make([]types.SignedVariant, 0, len(names))
	for _, name := range names {
		out = append(out, types.SignedVariant{Name: name, Text: SignedText(data, dataType, encoding, alg, name)})
	}
	return out
}

func canonicalOnly(data, dataType, encoding, alg string) []types.SignedVariant {
	return []types.SignedVariant{{
		Name: VariantGNUSocial,
		Text: SignedText(data, dataType, encoding, alg, VariantGNUSocial),
	}}
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
