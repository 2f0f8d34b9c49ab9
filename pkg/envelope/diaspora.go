package envelope

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"courier/pkg/crypto"
	"courier/pkg/federation"
	"courier/pkg/types"

	"go.uber.org/zap"
)

// privateEnvelope is the JSON body of a user-targeted Diaspora delivery
type privateEnvelope struct {
	AESKey                 string `json:"aes_key"`
	EncryptedMagicEnvelope string `json:"encrypted_magic_envelope"`
}

// parseDiasporaRaw recognises the current Diaspora format: a bare magic
// envelope whose sig carries the author handle in key_id, optionally wrapped
// in the JSON private form. Every failure is reported as "not this format" so
// the same body can still be tried as Salmon.
func parseDiasporaRaw(raw []byte, o *options) (*types.RemoteMessage, bool, error) {
	body := bytes.TrimSpace(raw)
	private := false

	if body[0] == '{' {
		var env privateEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.AESKey == "" || env.EncryptedMagicEnvelope == "" {
			return nil, false, nil
		}
		if o.privateKey == nil {
			o.logger.Debug("Private Diaspora envelope without recipient key")
			return nil, false, nil
		}
		decrypted, err := decryptPrivate(env, o.privateKey)
		if err != nil {
			o.logger.Debug("Private Diaspora envelope did not decrypt", zap.Error(err))
			return nil, false, nil
		}
		body = decrypted
		private = true
	}

	root, err := federation.ParseNode(body)
	if err != nil {
		return nil, false, nil
	}
	if root.Name() != "env" || root.XMLName.Space != federation.NamespaceMagicEnv {
		return nil, false, nil
	}

	sig := root.Child("sig")
	author := handleFromKeyID(sig.Attr("key_id"))
	if author == "" {
		return nil, false, nil
	}

	data := stripWhitespace(root.ChildValue("data"))
	signature, err := crypto.Base64URLDecode(sig.Value())
	if data == "" || err != nil || len(signature) == 0 {
		return nil, false, nil
	}

	dataType := root.Child("data").Attr("type")
	encoding := root.ChildValue("encoding")
	alg := root.ChildValue("alg")

	return &types.RemoteMessage{
		Format:         types.FormatDiasporaRaw,
		Data:           data,
		DataType:       dataType,
		Encoding:       encoding,
		Alg:            alg,
		DeclaredAuthor: author,
		Signature:      signature,
		SignedVariants: canonicalOnly(data, dataType, encoding, alg),
		Private:        private,
	}, true, nil
}

func decryptPrivate(env privateEnvelope, priv *rsa.PrivateKey) ([]byte, error) {
	bundle, err := base64.StdEncoding.DecodeString(env.AESKey)
	if err != nil {
		return nil, fmt.Errorf("aes_key is not base64: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedMagicEnvelope)
	if err != nil {
		return nil, fmt.Errorf("encrypted_magic_envelope is not base64: %w", err)
	}

	key, iv, err := crypto.DecryptKeyBundle(bundle, priv)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptAESCBC(key, iv, ciphertext)
}

// handleFromKeyID decodes key_id, which senders encode with either base64
// alphabet. Salmon key hashes decode to hex and are rejected here.
func handleFromKeyID(keyID string) string {
	if keyID == "" {
		return ""
	}
	decoded, err := crypto.Base64URLDecode(keyID)
	if err != nil {
		return ""
	}
	h, err := federation.ParseHandle(string(decoded))
	if err != nil {
		return ""
	}
	return h.String()
}
