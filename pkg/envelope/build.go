package envelope

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"courier/pkg/crypto"
	"courier/pkg/federation"
	"courier/pkg/types"
)

const (
	DataTypeAtom = "application/atom+xml"
	DataTypeXML  = "application/xml"
	EncodingB64U = "base64url"
)

// Placement of the data element inside the document
const (
	WrapNone       = ""
	WrapEnv        = "env"
	WrapProvenance = "provenance"
)

type BuildOptions struct {
	KeyID   string
	KeyHash string
	Variant string
	Wrap    string
}

// Build signs payload into a magic envelope
func Build(payload []byte, dataType string, priv *rsa.PrivateKey, opts BuildOptions) ([]byte, error) {
	name := "env"
	switch opts.Wrap {
	case WrapNone, WrapEnv:
	case WrapProvenance:
		name = "provenance"
	default:
		return nil, fmt.Errorf("unknown wrap %q", opts.Wrap)
	}

	inner, err := signedElement(name, payload, dataType, priv, opts)
	if err != nil {
		return nil, err
	}
	if opts.Wrap == WrapNone {
		return inner, nil
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<entry xmlns="` + federation.NamespaceAtom + `">`)
	buf.Write(bytes.TrimPrefix(inner, []byte(xml.Header)))
	buf.WriteString(`</entry>`)
	return buf.Bytes(), nil
}

// BuildDiaspora produces a public envelope in the current Diaspora format
func BuildDiaspora(payload []byte, author string, priv *rsa.PrivateKey) ([]byte, error) {
	return Build(payload, DataTypeXML, priv, BuildOptions{
		KeyID: base64.URLEncoding.EncodeToString([]byte(author)),
	})
}

// SealForRecipient wraps an envelope in the JSON private form
func SealForRecipient(env []byte, recipient *rsa.PublicKey) ([]byte, error) {
	key, iv, err := crypto.NewAESKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptAESCBC(key, iv, env)
	if err != nil {
		return nil, err
	}
	bundle, err := crypto.EncryptKeyBundle(key, iv, recipient)
	if err != nil {
		return nil, err
	}
	return json.Marshal(privateEnvelope{
		AESKey:                 base64.StdEncoding.EncodeToString(bundle),
		EncryptedMagicEnvelope: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

// BuildLegacy produces the deprecated <diaspora> wrapper with a public header
func BuildLegacy(payload []byte, author string, priv *rsa.PrivateKey) ([]byte, error) {
	env, err := signedElement("env", payload, DataTypeXML, priv, BuildOptions{})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<diaspora xmlns="` + federation.NamespaceDiaspora + `" xmlns:me="` + federation.NamespaceMagicEnv + `">`)
	buf.WriteString(`<header><author_id>`)
	xml.EscapeText(&buf, []byte(author))
	buf.WriteString(`</author_id></header>`)
	buf.Write(bytes.TrimPrefix(env, []byte(xml.Header)))
	buf.WriteString(`</diaspora>`)
	return buf.Bytes(), nil
}

// BuildLegacyPrivate produces the deprecated wrapper with an encrypted header
// and an AES encrypted payload.
func BuildLegacyPrivate(payload []byte, author string, priv *rsa.PrivateKey, recipient *rsa.PublicKey) ([]byte, error) {
	innerKey, innerIV, err := crypto.NewAESKey()
	if err != nil {
		return nil, err
	}
	encryptedPayload, err := crypto.EncryptAESCBC(innerKey, innerIV, payload)
	if err != nil {
		return nil, err
	}
	env, err := signedElement("env", []byte(base64.StdEncoding.EncodeToString(encryptedPayload)), DataTypeXML, priv, BuildOptions{})
	if err != nil {
		return nil, err
	}

	var header bytes.Buffer
	header.WriteString(`<decrypted_header><iv>` + base64.StdEncoding.EncodeToString(innerIV) + `</iv>`)
	header.WriteString(`<aes_key>` + base64.StdEncoding.EncodeToString(innerKey) + `</aes_key><author_id>`)
	xml.EscapeText(&header, []byte(author))
	header.WriteString(`</author_id></decrypted_header>`)

	outerKey, outerIV, err := crypto.NewAESKey()
	if err != nil {
		return nil, err
	}
	headerCipher, err := crypto.EncryptAESCBC(outerKey, outerIV, header.Bytes())
	if err != nil {
		return nil, err
	}
	bundle, err := crypto.EncryptKeyBundle(outerKey, outerIV, recipient)
	if err != nil {
		return nil, err
	}
	eh, err := json.Marshal(encryptedHeader{
		AESKey:     base64.StdEncoding.EncodeToString(bundle),
		Ciphertext: base64.StdEncoding.EncodeToString(headerCipher),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal encrypted header: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<diaspora xmlns="` + federation.NamespaceDiaspora + `" xmlns:me="` + federation.NamespaceMagicEnv + `">`)
	buf.WriteString(`<encrypted_header>` + base64.StdEncoding.EncodeToString(eh) + `</encrypted_header>`)
	buf.Write(bytes.TrimPrefix(env, []byte(xml.Header)))
	buf.WriteString(`</diaspora>`)
	return buf.Bytes(), nil
}

func signedElement(name string, payload []byte, dataType string, priv *rsa.PrivateKey, opts BuildOptions) ([]byte, error) {
	data := crypto.Base64URLEncode(payload)
	alg := string(types.AlgRSASHA256)

	sig, err := crypto.Sign(SignedText(data, dataType, EncodingB64U, alg, opts.Variant), priv)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<me:` + name + ` xmlns:me="` + federation.NamespaceMagicEnv + `">`)
	buf.WriteString(`<me:data type="`)
	xml.EscapeText(&buf, []byte(dataType))
	buf.WriteString(`">` + data + `</me:data>`)
	buf.WriteString(`<me:encoding>` + EncodingB64U + `</me:encoding>`)
	buf.WriteString(`<me:alg>` + alg + `</me:alg>`)
	buf.WriteString(`<me:sig`)
	if opts.KeyID != "" {
		buf.WriteString(` key_id="`)
		xml.EscapeText(&buf, []byte(opts.KeyID))
		buf.WriteString(`"`)
	}
	if opts.KeyHash != "" {
		buf.WriteString(` keyhash="`)
		xml.EscapeText(&buf, []byte(opts.KeyHash))
		buf.WriteString(`"`)
	}
	buf.WriteString(`>` + crypto.Base64URLEncode(sig) + `</me:sig>`)
	buf.WriteString(`</me:` + name + `>`)
	return buf.Bytes(), nil
}

// Slap delivers a signed envelope to a remote Salmon endpoint
func Slap(ctx context.Context, client *http.Client, endpoint string, env []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(env))
	if err != nil {
		return fmt.Errorf("failed to build salmon request: %w", err)
	}
	req.Header.Set("Content-Type", "application/magic-envelope+xml")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver salmon: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("salmon endpoint returned %d", resp.StatusCode)
	}
	return nil
}
