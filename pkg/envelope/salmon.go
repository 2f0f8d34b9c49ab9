package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"courier/pkg/crypto"
	"courier/pkg/federation"
	"courier/pkg/types"
)

// parseSalmon handles magic envelopes with data at any of the three legal
// depths, including the legacy <diaspora> wrapper that carries its author in
// a header instead of the payload.
func parseSalmon(raw []byte, o *options) (*types.RemoteMessage, bool, error) {
	body := bytes.TrimSpace(raw)
	if body[0] != '<' {
		return nil, false, nil
	}

	root, err := federation.ParseNode(body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := &types.RemoteMessage{Format: types.FormatMagicEnvelope}
	if root.Name() == "diaspora" && root.XMLName.Space == federation.NamespaceDiaspora {
		if err := readLegacyHeader(root, msg, o); err != nil {
			return nil, false, err
		}
	}

	base := locateData(root)
	if base == nil {
		if msg.Format == types.FormatLegacyXML {
			return nil, false, fmt.Errorf("%w: unable to locate salmon data", ErrMalformed)
		}
		return nil, false, nil
	}

	msg.Data = stripWhitespace(base.ChildValue("data"))
	if msg.Data == "" {
		return nil, false, fmt.Errorf("%w: empty data element", ErrMalformed)
	}
	msg.DataType = base.Child("data").Attr("type")
	msg.Encoding = base.ChildValue("encoding")
	msg.Alg = base.ChildValue("alg")

	sig := base.Child("sig")
	signature, err := crypto.Base64URLDecode(sig.Value())
	if err != nil {
		return nil, false, fmt.Errorf("%w: signature is not base64url: %v", ErrMalformed, err)
	}
	if len(signature) == 0 {
		return nil, false, fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	msg.Signature = signature

	msg.KeyHash = sig.Attr("keyhash")
	if msg.KeyHash == "" && handleFromKeyID(sig.Attr("key_id")) == "" {
		msg.KeyHash = sig.Attr("key_id")
	}

	if msg.Format == types.FormatLegacyXML {
		msg.SignedVariants = canonicalOnly(msg.Data, msg.DataType, msg.Encoding, msg.Alg)
		return msg, true, nil
	}

	msg.SignedVariants = allVariants(msg.Data, msg.DataType, msg.Encoding, msg.Alg)

	payload, err := crypto.Base64URLDecode(msg.Data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: data is not base64url: %v", ErrMalformed, err)
	}
	msg.DeclaredAuthor = atomAuthor(payload)
	if msg.DeclaredAuthor == "" {
		return nil, false, fmt.Errorf("%w: could not retrieve author URI", ErrMalformed)
	}
	return msg, true, nil
}

// locateData finds the element holding data: under provenance, under env,
// or the root itself.
func locateData(root *federation.Node) *federation.Node {
	if p := root.Child("provenance"); p.Child("data") != nil {
		return p
	}
	if e := root.Child("env"); e.Child("data") != nil {
		return e
	}
	if root.Child("data") != nil {
		return root
	}
	return nil
}

type encryptedHeader struct {
	AESKey     string `json:"aes_key"`
	Ciphertext string `json:"ciphertext"`
}

func readLegacyHeader(root *federation.Node, msg *types.RemoteMessage, o *options) error {
	msg.Format = types.FormatLegacyXML

	if header := root.Child("header"); header != nil {
		msg.DeclaredAuthor = strings.TrimPrefix(header.ChildValue("author_id"), "acct:")
		if msg.DeclaredAuthor == "" {
			return fmt.Errorf("%w: legacy header without author", ErrMalformed)
		}
		return nil
	}

	// Relays send header-less public posts that only a recipient key unlocks
	if o.privateKey == nil {
		return fmt.Errorf("%w: private legacy envelope without recipient key", ErrMalformed)
	}

	rawHeader, err := base64.StdEncoding.DecodeString(stripWhitespace(root.ChildValue("encrypted_header")))
	if err != nil {
		return fmt.Errorf("%w: encrypted_header is not base64: %v", ErrMalformed, err)
	}
	var eh encryptedHeader
	if err := json.Unmarshal(rawHeader, &eh); err != nil {
		return fmt.Errorf("%w: encrypted_header is not JSON: %v", ErrMalformed, err)
	}
	bundle, err := base64.StdEncoding.DecodeString(eh.AESKey)
	if err != nil {
		return fmt.Errorf("%w: header key is not base64: %v", ErrMalformed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(eh.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: header ciphertext is not base64: %v", ErrMalformed, err)
	}

	key, iv, err := crypto.DecryptKeyBundle(bundle, o.privateKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	decrypted, err := crypto.DecryptAESCBC(key, iv, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	inner, err := federation.ParseNode(decrypted)
	if err != nil {
		return fmt.Errorf("%w: decrypted header: %v", ErrMalformed, err)
	}
	if msg.InnerIV, err = base64.StdEncoding.DecodeString(inner.ChildValue("iv")); err != nil {
		return fmt.Errorf("%w: inner iv: %v", ErrMalformed, err)
	}
	if msg.InnerKey, err = base64.StdEncoding.DecodeString(inner.ChildValue("aes_key")); err != nil {
		return fmt.Errorf("%w: inner key: %v", ErrMalformed, err)
	}
	if len(msg.InnerKey) == 0 {
		return fmt.Errorf("%w: decrypted header without key", ErrMalformed)
	}

	msg.DeclaredAuthor = strings.TrimPrefix(inner.ChildValue("author_id"), "acct:")
	if msg.DeclaredAuthor == "" {
		return fmt.Errorf("%w: decrypted header without author", ErrMalformed)
	}
	msg.Private = true
	return nil
}

// atomAuthor pulls the author URI out of a Salmon payload
func atomAuthor(payload []byte) string {
	doc, err := federation.ParseNode(payload)
	if err != nil {
		return ""
	}
	if uri := doc.Path("author", "uri").Value(); uri != "" {
		return uri
	}
	if uri := doc.Path("actor", "uri").Value(); uri != "" {
		return uri
	}
	if uri := doc.Find("author").ChildValue("uri"); uri != "" {
		return uri
	}
	return ""
}
