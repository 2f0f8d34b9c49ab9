package pubsub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"courier/pkg/config"
	"courier/pkg/federation"
	"courier/pkg/metrics"
	"courier/pkg/types"
	"courier/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentPushes bounds fan-out to subscribers of one feed
const maxConcurrentPushes = 4

// SubscriptionRequest is the form a remote subscriber posts to our hub
type SubscriptionRequest struct {
	Mode        string
	Callback    string
	Topic       string
	VerifyToken string
	Secret      string
}

// ParseSubscriptionRequest reads the hub.* fields of a posted form
func ParseSubscriptionRequest(form url.Values) SubscriptionRequest {
	return SubscriptionRequest{
		Mode:        form.Get("hub.mode"),
		Callback:    form.Get("hub.callback"),
		Topic:       form.Get("hub.topic"),
		VerifyToken: form.Get("hub.verify_token"),
		Secret:      form.Get("hub.secret"),
	}
}

// Hub serves subscriptions to local users' feeds
type Hub struct {
	cfg     *config.Config
	store   Store
	client  *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewHub(cfg *config.Config, store Store, client *http.Client, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if client == nil {
		client = defaultClient(cfg.HubVerifyTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{cfg: cfg, store: store, client: client, metrics: m, logger: logger, now: time.Now}
}

// HandleSubscriptionRequest verifies the subscriber's intent by sending it a
// random challenge and stores the lease only when the callback echoes that
// challenge back. Any failure leaves lease state untouched. nickname comes
// from the request path and may be empty, in which case the topic names it.
func (h *Hub) HandleSubscriptionRequest(ctx context.Context, nickname string, req SubscriptionRequest) (*types.SubscriptionLease, error) {
	if h.cfg.BlockPublic {
		return nil, ErrPublicBlocked
	}

	var mode types.SubscriptionMode
	switch req.Mode {
	case string(types.ModeSubscribe), string(types.ModeUnsubscribe):
		mode = types.SubscriptionMode(req.Mode)
	default:
		h.logger.Info("Invalid hub mode", zap.String("mode", req.Mode))
		return nil, ErrRejected
	}

	if nickname == "" {
		nickname = req.Topic
	}
	nickname = federation.Basename(nickname, ".atom")
	if nickname == "" {
		h.logger.Info("Empty nickname in subscription request")
		return nil, ErrRejected
	}

	owner, err := h.store.GetUserByNickname(ctx, nickname)
	if err != nil || owner.Blocked {
		h.logger.Info("Local account not found",
			zap.String("nickname", nickname),
			zap.String("topic", req.Topic),
			zap.String("callback", req.Callback))
		return nil, lookupErr(err)
	}

	if !h.validTopic(owner, req.Topic) {
		h.logger.Info("Hub topic invalid", zap.String("topic", req.Topic), zap.String("poll", h.cfg.PollURL(owner.Nickname)))
		return nil, ErrRejected
	}

	callback := strings.TrimRight(req.Callback, " ?&#")
	if u, err := url.Parse(callback); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		h.logger.Info("Invalid callback", zap.String("callback", req.Callback))
		return nil, ErrRejected
	}

	if err := h.verifyIntent(ctx, callback, mode, req); err != nil {
		return nil, err
	}

	if mode == types.ModeUnsubscribe {
		if _, err := h.store.DeleteSubscriptionLease(ctx, callback); err != nil {
			return nil, err
		}
		h.logger.Info("Unsubscribed", zap.String("callback", callback), zap.String("nickname", owner.Nickname))
		return nil, nil
	}

	now := h.now()
	lease, err := h.store.UpsertSubscriptionLease(ctx, &types.SubscriptionLease{
		OwnerUserID:       owner.ID,
		Nickname:          owner.Nickname,
		RemoteCallbackURL: callback,
		TopicURL:          req.Topic,
		Secret:            req.Secret,
		VerifyToken:       req.VerifyToken,
		Mode:              types.ModeSubscribe,
		LeaseExpiresAt:    leaseExpiry(now, h.cfg.LeaseSeconds),
		LastUpdate:        now,
		Renewed:           now,
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("Subscribed", zap.String("callback", callback), zap.String("nickname", owner.Nickname))
	return lease, nil
}

// validTopic accepts our poll URL for the owner, the /feed/ spelling some
// subscribers use for it, and the status API timeline URL.
func (h *Hub) validTopic(owner *types.User, topic string) bool {
	if topic == "" {
		return false
	}
	poll := h.cfg.PollURL(owner.Nickname)
	alt := strings.Replace(topic, "/feed/", "/dfrn_poll/", 1)
	self := h.cfg.BaseURL + "/api/statuses/user_timeline/" + owner.Nickname + ".atom"
	return federation.CompareLink(topic, poll) || federation.CompareLink(alt, poll) || federation.CompareLink(topic, self)
}

// verifyIntent performs the GET to the callback and checks the echo
func (h *Hub) verifyIntent(ctx context.Context, callback string, mode types.SubscriptionMode, req SubscriptionRequest) error {
	challenge, err := utils.RandomHex(20)
	if err != nil {
		return err
	}

	params := url.Values{
		"hub.mode":          {string(mode)},
		"hub.topic":         {req.Topic},
		"hub.challenge":     {challenge},
		"hub.verify_token":  {req.VerifyToken},
		"hub.lease_seconds": {strconv.Itoa(h.cfg.LeaseSeconds)},
	}
	sep := "?"
	if strings.Contains(callback, "?") {
		sep = "&"
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.HubVerifyTimeout)
	defer cancel()

	get, err := http.NewRequestWithContext(ctx, http.MethodGet, callback+sep+params.Encode(), nil)
	if err != nil {
		h.metrics.ObserveHubVerification("error")
		return ErrRejected
	}
	get.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(get)
	if err != nil {
		h.metrics.ObserveHubVerification("error")
		h.logger.Info("Subscriber verification failed", zap.String("callback", callback), zap.Error(err))
		return ErrRejected
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		h.metrics.ObserveHubVerification("refused")
		h.logger.Info("Subscriber verification ignored",
			zap.String("callback", callback),
			zap.Int("status", resp.StatusCode))
		return ErrRejected
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeLen))
	if err != nil {
		h.metrics.ObserveHubVerification("error")
		return ErrRejected
	}
	if strings.TrimSpace(string(body)) != challenge {
		h.metrics.ObserveHubVerification("mismatch")
		h.logger.Info("Subscriber did not echo the challenge",
			zap.String("callback", callback),
			zap.String("body", utils.Truncate(strings.TrimSpace(string(body)), 64)))
		return ErrRejected
	}

	h.metrics.ObserveHubVerification("verified")
	return nil
}

// PublishResult counts push attempts for one publish
type PublishResult struct {
	Delivered int
	Failed    int
}

// Publish pushes feed to every active subscriber of the owner's feed. A
// lease with a secret gets an X-Hub-Signature HMAC of the body.
func (h *Hub) Publish(ctx context.Context, ownerUID int64, feed []byte) (PublishResult, error) {
	leases, err := h.store.ListSubscriptionLeases(ctx, ownerUID)
	if err != nil {
		return PublishResult{}, err
	}

	var delivered, failed atomic.Int32
	now := h.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPushes)

	for i := range leases {
		lease := leases[i]
		if !lease.Active(now) {
			continue
		}
		g.Go(func() error {
			err := h.push(gctx, &lease, feed)
			if err != nil {
				failed.Add(1)
				h.metrics.ObserveHubPush("failed")
				h.logger.Info("Push to subscriber failed",
					zap.String("callback", lease.RemoteCallbackURL),
					zap.Int("failures", lease.PushFailures+1),
					zap.Error(err))
			} else {
				delivered.Add(1)
				h.metrics.ObserveHubPush("delivered")
			}
			return h.store.RecordPushResult(gctx, lease.ID, err == nil)
		})
	}

	err = g.Wait()
	return PublishResult{Delivered: int(delivered.Load()), Failed: int(failed.Load())}, err
}

func (h *Hub) push(ctx context.Context, lease *types.SubscriptionLease, feed []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lease.RemoteCallbackURL, bytes.NewReader(feed))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeAtom)
	req.Header.Set("User-Agent", userAgent)
	if lease.Secret != "" {
		req.Header.Set("X-Hub-Signature", "sha1="+Signature(lease.Secret, feed))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxChallengeLen))

	if !success(resp.StatusCode) {
		return fmt.Errorf("subscriber answered %d", resp.StatusCode)
	}
	return nil
}

// Signature is the hex HMAC-SHA1 of body keyed by the subscriber's secret
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
