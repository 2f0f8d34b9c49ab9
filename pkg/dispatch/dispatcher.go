// Package dispatch drives one inbound delivery from raw bytes to an applied
// message: parse, verify, bind to a contact, deduplicate, apply.
package dispatch

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"courier/pkg/config"
	"courier/pkg/contacts"
	"courier/pkg/crypto"
	"courier/pkg/envelope"
	"courier/pkg/keys"
	"courier/pkg/metrics"
	"courier/pkg/types"

	"go.uber.org/zap"
)

// KeyResolver finds an author's public key
type KeyResolver interface {
	Resolve(ctx context.Context, authorURI, keyHash string, opts keys.ResolveOptions) (*types.RemoteKey, keys.Source, error)
}

// ContactResolver binds an author to a contact of the recipient
type ContactResolver interface {
	ResolveOrCreate(ctx context.Context, authorURI string, ownerUID int64, mode contacts.Mode, network types.Network) (*types.Contact, error)
}

// Ledger reserves (recipient, guid) pairs
type Ledger interface {
	CheckAndReserve(ctx context.Context, recipientUID int64, guid string) (bool, error)
	Release(ctx context.Context, recipientUID int64, guid string) error
}

// Store applies verified messages
type Store interface {
	ApplyMessage(ctx context.Context, msg *types.VerifiedMessage) error
	SetContactKey(ctx context.Context, id int64, key string) error
}

// Delivery is one inbound request body. Recipient is nil for public relay
// endpoints.
type Delivery struct {
	Raw       []byte
	Endpoint  string
	Recipient *types.User
}

// Dispatcher runs the receive pipeline. It holds no per-message state and is
// safe for concurrent use.
type Dispatcher struct {
	cfg      *config.Config
	keys     KeyResolver
	contacts ContactResolver
	ledger   Ledger
	store    Store
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(cfg *config.Config, kr KeyResolver, cr ContactResolver, l Ledger, store Store, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		keys:     kr,
		contacts: cr,
		ledger:   l,
		store:    store,
		metrics:  m,
		logger:   logger,
	}
}

// Receive processes one delivery. The returned error is only set for local
// faults (storage) the sender should retry; every verdict about the message
// itself is carried by the Outcome.
func (d *Dispatcher) Receive(ctx context.Context, del Delivery) (Outcome, error) {
	out, err := d.receive(ctx, del)
	d.metrics.ObserveOutcome(out.State.String())
	if out.Variant != "" {
		d.metrics.ObserveVariant(out.Variant)
	}

	fields := []zap.Field{
		zap.String("endpoint", del.Endpoint),
		zap.Stringer("state", out.State),
	}
	if out.Message != nil {
		fields = append(fields,
			zap.String("author", out.Message.Author),
			zap.String("guid", out.Message.GUID),
			zap.String("kind", string(out.Message.Kind)))
	}
	if out.Reason != "" {
		fields = append(fields, zap.String("reason", out.Reason))
	}
	switch {
	case err != nil:
		d.logger.Error("Failed to process delivery", append(fields, zap.Error(err))...)
	case out.State == StateRejectedSignature || out.State == StateRejectedContact:
		d.logger.Info("Rejected delivery", fields...)
	default:
		d.logger.Debug("Processed delivery", fields...)
	}
	return out, err
}

// verified is what survives the envelope and payload checks
type verified struct {
	msg     *types.RemoteMessage
	entity  *entity
	pub     *rsa.PublicKey
	key     *types.RemoteKey
	source  keys.Source
	variant string
}

func (d *Dispatcher) receive(ctx context.Context, del Delivery) (Outcome, error) {
	if del.Recipient != nil && del.Recipient.Blocked {
		return Outcome{State: StateRejectedContact, Reason: ReasonUnknownRecipient}, nil
	}

	opts := []envelope.Option{envelope.WithLogger(d.logger)}
	if del.Recipient != nil && del.Recipient.PrivateKeyPEM != "" {
		priv, err := crypto.ParsePrivateKey(del.Recipient.PrivateKeyPEM)
		if err != nil {
			return Outcome{State: StateRejectedParse, Reason: ReasonMalformed}, fmt.Errorf("recipient %d key: %w", del.Recipient.ID, err)
		}
		opts = append(opts, envelope.WithPrivateKey(priv))
	}

	msg, err := envelope.Parse(del.Raw, opts...)
	if err != nil {
		reason := ReasonMalformed
		if errors.Is(err, envelope.ErrUnrecognizedFormat) {
			reason = ReasonUnrecognized
		}
		d.logger.Debug("Unable to parse envelope", zap.String("endpoint", del.Endpoint), zap.Error(err))
		return Outcome{State: StateRejectedParse, Reason: reason}, nil
	}
	d.metrics.ObserveEnvelope(string(msg.Format))

	if !d.protocolEnabled(msg.Format) {
		return Outcome{State: StateRejectedParse, Reason: ReasonProtocolDisabled}, nil
	}

	var targetUID int64
	if del.Recipient != nil && (msg.Private || msg.Format == types.FormatMagicEnvelope) {
		targetUID = del.Recipient.ID
	}

	v, out := d.verify(ctx, msg)
	if v == nil {
		return out, nil
	}

	e := v.entity
	vm := &types.VerifiedMessage{
		Author:         msg.DeclaredAuthor,
		Kind:           e.Kind,
		GUID:           e.GUID,
		ParentGUID:     e.ParentGUID,
		Payload:        e.Payload,
		TargetUserID:   targetUID,
		Format:         msg.Format,
		KeyFingerprint: crypto.Fingerprint(v.pub),
	}
	if e.Relayable && e.Author != "" {
		vm.Author = e.Author
	}
	out = Outcome{State: StateVerified, Message: vm, Variant: v.variant}

	if e.Kind.RequiresPrivate() && targetUID == 0 {
		out.State, out.Reason = StateRejectedParse, ReasonRequiresPrivate
		return out, nil
	}

	contact, err := d.contacts.ResolveOrCreate(ctx, msg.DeclaredAuthor, targetUID, contactMode(e.Kind, targetUID), network(msg.Format))
	switch {
	case errors.Is(err, contacts.ErrBlocked):
		out.State, out.Reason = StateRejectedContact, ReasonBlocked
		return out, nil
	case errors.Is(err, contacts.ErrRelationshipRequired):
		out.State, out.Reason = StateRejectedContact, ReasonRelationshipRequired
		return out, nil
	case err != nil:
		out.State = StateRejectedContact
		return out, fmt.Errorf("resolve contact: %w", err)
	}
	vm.ContactID = contact.ID
	out.State = StateContactResolved

	if reason, err := d.bindKey(ctx, contact, v); err != nil || reason != "" {
		if err != nil {
			out.State = StateRejectedContact
			return out, err
		}
		out.State, out.Reason = StateRejectedSignature, reason
		return out, nil
	}

	fresh, err := d.ledger.CheckAndReserve(ctx, targetUID, vm.GUID)
	if err != nil {
		return out, fmt.Errorf("reserve %s: %w", vm.GUID, err)
	}
	if !fresh {
		out.State, out.Reason = StateSkippedDuplicate, ReasonDuplicate
		return out, nil
	}
	out.State = StateDuplicateChecked

	if err := d.store.ApplyMessage(ctx, vm); err != nil {
		if rerr := d.ledger.Release(ctx, targetUID, vm.GUID); rerr != nil {
			d.logger.Warn("Failed to release reservation", zap.String("guid", vm.GUID), zap.Error(rerr))
		}
		return out, fmt.Errorf("apply %s: %w", vm.GUID, err)
	}
	out.State = StateApplied
	return out, nil
}

// verify checks the envelope signature, decodes the payload and runs the
// per-entity author checks. A nil result means the returned outcome is final.
func (d *Dispatcher) verify(ctx context.Context, msg *types.RemoteMessage) (*verified, Outcome) {
	reject := func(state State, reason string, err error) (*verified, Outcome) {
		return nil, Outcome{State: state, Reason: reason, Err: err}
	}

	if msg.DeclaredAuthor == "" {
		return reject(StateRejectedParse, ReasonMalformed, nil)
	}
	if err := crypto.ValidateAlg(msg.Alg); err != nil {
		return reject(StateRejectedSignature, ReasonUnsupportedAlg, nil)
	}

	key, source, err := d.keys.Resolve(ctx, msg.DeclaredAuthor, msg.KeyHash, keys.ResolveOptions{})
	if err != nil {
		return reject(keyFailure(err))
	}
	pub, err := keys.PublicKey(key)
	if err != nil {
		return reject(StateRejectedSignature, ReasonKeyUnavailable, nil)
	}

	variant, ok, reason := crypto.VerifyVariants(msg.SignedVariants, msg.Signature, pub)
	if !ok && !source.Remote() {
		// The author may have rotated keys since we stored this one
		d.logger.Debug("Signature failed with stored key, refreshing",
			zap.String("author", msg.DeclaredAuthor),
			zap.String("source", string(source)),
			zap.String("reason", string(reason)))

		key, source, err = d.keys.Resolve(ctx, msg.DeclaredAuthor, msg.KeyHash, keys.ResolveOptions{ForceRefresh: true})
		if err != nil {
			return reject(keyFailure(err))
		}
		if pub, err = keys.PublicKey(key); err != nil {
			return reject(StateRejectedSignature, ReasonKeyUnavailable, nil)
		}
		variant, ok, reason = crypto.VerifyVariants(msg.SignedVariants, msg.Signature, pub)
	}
	if !ok {
		d.logger.Info("Envelope signature did not verify",
			zap.String("author", msg.DeclaredAuthor),
			zap.String("format", string(msg.Format)),
			zap.String("reason", string(reason)))
		return reject(StateRejectedSignature, ReasonBadSignature, nil)
	}

	payload, err := envelope.DecodeData(msg)
	if err != nil {
		return reject(StateRejectedParse, ReasonMalformed, nil)
	}

	var e *entity
	if msg.Format == types.FormatMagicEnvelope {
		e, err = decodeAtom(payload)
	} else {
		e, err = decodeDiaspora(payload)
	}
	switch {
	case errors.Is(err, errUnsupportedType):
		return reject(StateRejectedParse, ReasonUnsupportedType, nil)
	case errors.Is(err, errMissingGUID):
		return reject(StateRejectedParse, ReasonMissingGUID, nil)
	case err != nil:
		return reject(StateRejectedParse, ReasonMalformed, nil)
	}

	if msg.Format != types.FormatMagicEnvelope {
		if state, reason, err := d.checkDiasporaAuthor(ctx, msg, e, pub); state != StateVerified {
			return reject(state, reason, err)
		}
	}

	return &verified{msg: msg, entity: e, pub: pub, key: key, source: source, variant: variant}, Outcome{}
}

// checkDiasporaAuthor binds the author named inside the entity to the
// envelope. Relayables are forwarded by the parent's author, so they carry
// their own author's signature instead.
func (d *Dispatcher) checkDiasporaAuthor(ctx context.Context, msg *types.RemoteMessage, e *entity, envelopeKey *rsa.PublicKey) (State, string, error) {
	if !e.Relayable {
		mustMatch := e.Payload.Type == "status_message" || e.Payload.Type == "reshare" || e.Payload.Type == "profile"
		if (mustMatch || e.Author != "") && !sameAuthor(e.Author, msg.DeclaredAuthor) {
			d.logger.Info("Entity author differs from envelope author",
				zap.String("author", msg.DeclaredAuthor),
				zap.String("entity_author", e.Author))
			return StateRejectedSignature, ReasonAuthorMismatch, nil
		}
		return StateVerified, "", nil
	}

	if e.Author == "" {
		return StateRejectedSignature, ReasonAuthorMismatch, nil
	}
	sig, err := decodeSignature(e.AuthorSignature)
	if err != nil || len(sig) == 0 {
		return StateRejectedSignature, ReasonBadAuthorSignature, nil
	}

	authorKey := envelopeKey
	if !sameAuthor(e.Author, msg.DeclaredAuthor) {
		key, _, err := d.keys.Resolve(ctx, e.Author, "", keys.ResolveOptions{})
		if err != nil {
			return keyFailure(err)
		}
		if authorKey, err = keys.PublicKey(key); err != nil {
			return StateRejectedSignature, ReasonKeyUnavailable, nil
		}
	}
	if ok, _ := crypto.Verify([]byte(e.SignedData), sig, authorKey); !ok {
		d.logger.Info("Relayable author signature did not verify",
			zap.String("author", e.Author),
			zap.String("relayed_by", msg.DeclaredAuthor),
			zap.String("guid", e.GUID))
		return StateRejectedSignature, ReasonBadAuthorSignature, nil
	}

	if e.ParentAuthorSignature != "" && !sameAuthor(e.Author, msg.DeclaredAuthor) {
		sig, err := decodeSignature(e.ParentAuthorSignature)
		if err != nil {
			return StateRejectedSignature, ReasonBadAuthorSignature, nil
		}
		if ok, _ := crypto.Verify([]byte(e.SignedData), sig, envelopeKey); !ok {
			return StateRejectedSignature, ReasonBadAuthorSignature, nil
		}
	}
	return StateVerified, "", nil
}

// bindKey holds the contact's stored key to the key that verified the
// envelope. An empty stored key is filled in; a different one is replaced
// only by a key fetched from the author's server during this delivery.
func (d *Dispatcher) bindKey(ctx context.Context, c *types.Contact, v *verified) (string, error) {
	if c.PublicKey != "" {
		stored, err := crypto.ParsePublicKey(c.PublicKey)
		if err == nil && crypto.Fingerprint(stored) == crypto.Fingerprint(v.pub) {
			return "", nil
		}
		if !v.source.Remote() {
			d.logger.Warn("Contact key differs from verification key",
				zap.Int64("contact", c.ID),
				zap.String("author", c.URI))
			return ReasonKeyMismatch, nil
		}
		d.logger.Info("Replacing rotated contact key", zap.Int64("contact", c.ID), zap.String("author", c.URI))
	}

	pemKey := v.key.PEM
	if pemKey == "" {
		var err error
		if pemKey, err = crypto.EncodePublicKeyPEM(v.pub); err != nil {
			return "", fmt.Errorf("encode key for contact %d: %w", c.ID, err)
		}
	}
	if err := d.store.SetContactKey(ctx, c.ID, pemKey); err != nil {
		return "", fmt.Errorf("store key for contact %d: %w", c.ID, err)
	}
	c.PublicKey = pemKey
	return "", nil
}

func (d *Dispatcher) protocolEnabled(f types.Format) bool {
	if d.cfg == nil {
		return true
	}
	switch f {
	case types.FormatDiasporaRaw, types.FormatLegacyXML:
		return d.cfg.ProtocolEnabled(config.ProtocolDiaspora)
	case types.FormatMagicEnvelope:
		return d.cfg.ProtocolEnabled(config.ProtocolOStatus)
	}
	return false
}

func keyFailure(err error) (State, string, error) {
	if errors.Is(err, keys.ErrResolveTimeout) {
		return StateRejectedSignature, ReasonKeyTimeout, err
	}
	return StateRejectedSignature, ReasonKeyUnavailable, nil
}

func contactMode(kind types.MessageKind, targetUID int64) contacts.Mode {
	switch {
	case targetUID == 0:
		return contacts.ModePublic
	case kind == types.KindFollow:
		return contacts.ModeIntroduction
	default:
		return contacts.ModePrivate
	}
}

func network(f types.Format) types.Network {
	if f == types.FormatMagicEnvelope {
		return types.NetworkOStatus
	}
	return types.NetworkDiaspora
}

// decodeSignature accepts the standard base64 Diaspora uses and the url-safe
// form some senders emit.
func decodeSignature(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return crypto.Base64URLDecode(s)
}
