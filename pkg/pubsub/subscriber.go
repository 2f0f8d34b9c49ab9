package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"courier/pkg/config"
	"courier/pkg/federation"
	"courier/pkg/storage"
	"courier/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallbackQuery is the verification request a remote hub sends to our
// callback URL.
type CallbackQuery struct {
	Mode         string
	Topic        string
	Challenge    string
	VerifyToken  string
	LeaseSeconds int
}

// ParseCallbackQuery reads the hub.* parameters from a request query
func ParseCallbackQuery(q url.Values) CallbackQuery {
	lease, _ := strconv.Atoi(strings.TrimSpace(q.Get("hub.lease_seconds")))
	return CallbackQuery{
		Mode:         strings.TrimSpace(q.Get("hub.mode")),
		Topic:        strings.TrimSpace(q.Get("hub.topic")),
		Challenge:    strings.TrimSpace(q.Get("hub.challenge")),
		VerifyToken:  strings.TrimSpace(q.Get("hub.verify_token")),
		LeaseSeconds: lease,
	}
}

// Subscriber is our side of subscriptions to remote hubs
type Subscriber struct {
	cfg    *config.Config
	store  Store
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewSubscriber(cfg *config.Config, store Store, client *http.Client, logger *zap.Logger) *Subscriber {
	if client == nil {
		client = defaultClient(cfg.HubVerifyTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{cfg: cfg, store: store, client: client, logger: logger, now: time.Now}
}

// VerifyCallback answers a hub's verification of our callback for one
// contact and returns the challenge to echo. Outsiders cannot unsubscribe us:
// an unsubscribe must carry the verify token we issued.
func (s *Subscriber) VerifyCallback(ctx context.Context, nickname string, contactID int64, q CallbackQuery) (string, error) {
	owner, err := s.store.GetUserByNickname(ctx, nickname)
	if err != nil || owner.Blocked {
		s.logger.Info("Local account not found", zap.String("nickname", nickname))
		return "", lookupErr(err)
	}

	contact, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		return "", lookupErr(err)
	}
	if contact.OwnerUserID != owner.ID || contact.Blocked || contact.Pending {
		s.logger.Info("Contact not found", zap.Int64("contact", contactID), zap.String("nickname", nickname))
		return "", ErrRejected
	}
	if q.VerifyToken != "" && q.VerifyToken != contact.HubVerifyToken {
		s.logger.Info("Verify token does not match", zap.Int64("contact", contactID))
		return "", ErrRejected
	}
	if q.Topic != "" && !federation.CompareLink(q.Topic, contact.PollURL) {
		s.logger.Info("Hub topic is not the contact feed",
			zap.String("topic", q.Topic),
			zap.String("poll", contact.PollURL))
		return "", ErrRejected
	}
	if q.Mode == string(types.ModeUnsubscribe) && q.VerifyToken == "" {
		s.logger.Info("Unsubscribe without verify token", zap.Int64("contact", contactID))
		return "", ErrRejected
	}

	if q.Mode != "" {
		subscribed := q.Mode == string(types.ModeSubscribe)
		if err := s.store.SetHubSubscribed(ctx, contact.ID, subscribed); err != nil {
			return "", err
		}
		if err := s.recordLease(ctx, owner, contact, q, subscribed); err != nil {
			return "", err
		}
		s.logger.Info("Hub subscription verified",
			zap.String("mode", q.Mode),
			zap.Int64("contact", contact.ID),
			zap.Int("lease_seconds", q.LeaseSeconds))
	}
	return q.Challenge, nil
}

// recordLease keeps our own view of the lease so the poller knows when the
// hub stops covering a contact.
func (s *Subscriber) recordLease(ctx context.Context, owner *types.User, c *types.Contact, q CallbackQuery, subscribed bool) error {
	callback := s.cfg.CallbackURL(owner.Nickname, c.ID)
	if !subscribed {
		_, err := s.store.DeleteSubscriptionLease(ctx, callback)
		return err
	}

	now := s.now()
	_, err := s.store.UpsertSubscriptionLease(ctx, &types.SubscriptionLease{
		OwnerUserID:       owner.ID,
		ContactID:         c.ID,
		Nickname:          owner.Nickname,
		RemoteCallbackURL: callback,
		TopicURL:          c.PollURL,
		VerifyToken:       c.HubVerifyToken,
		Mode:              types.ModeSubscribe,
		LeaseExpiresAt:    leaseExpiry(now, q.LeaseSeconds),
		LastUpdate:        now,
		Renewed:           now,
	})
	return err
}

// RequestSubscription asks a hub to start or stop pushing a contact's feed
// to us. One verify token is kept per contact, even across hubs.
func (s *Subscriber) RequestSubscription(ctx context.Context, owner *types.User, contact *types.Contact, hubURL string, mode types.SubscriptionMode) error {
	if mode != types.ModeSubscribe && mode != types.ModeUnsubscribe {
		return fmt.Errorf("invalid hub mode %q", mode)
	}
	if contact.PollURL == "" {
		return fmt.Errorf("contact %d has no feed to subscribe to", contact.ID)
	}

	token := contact.HubVerifyToken
	if token == "" {
		token = uuid.NewString()
		if err := s.store.SetHubVerifyToken(ctx, contact.ID, token); err != nil {
			return err
		}
		contact.HubVerifyToken = token
	}

	callback := s.cfg.CallbackURL(owner.Nickname, contact.ID)
	form := url.Values{
		"hub.mode":         {string(mode)},
		"hub.callback":     {callback},
		"hub.topic":        {contact.PollURL},
		"hub.verify":       {verifySync},
		"hub.verify_token": {token},
	}

	s.logger.Info("Hub subscription start",
		zap.String("mode", string(mode)),
		zap.String("hub", hubURL),
		zap.String("callback", callback),
		zap.Int64("contact", contact.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeForm)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("hub request to %s: %w", hubURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxChallengeLen))

	s.logger.Info("Hub subscription done", zap.Int("status", resp.StatusCode), zap.String("hub", hubURL))
	if !success(resp.StatusCode) {
		return fmt.Errorf("hub %s answered %d", hubURL, resp.StatusCode)
	}
	return nil
}

func lookupErr(err error) error {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return ErrRejected
	}
	return err
}
