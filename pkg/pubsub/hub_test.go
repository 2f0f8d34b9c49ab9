package pubsub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/pkg/config"
	"courier/pkg/storage"
	"courier/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var hexChallenge = regexp.MustCompile(`^[0-9a-f]{40}$`)

// subscriberServer answers hub verification GETs with respond(query)
func subscriberServer(t *testing.T, respond func(q url.Values) (int, string)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		code, body := respond(r.URL.Query())
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func echo(q url.Values) (int, string) {
	return http.StatusOK, q.Get("hub.challenge") + "\n"
}

func subscribeRequest(cfg *config.Config, callback string) SubscriptionRequest {
	return SubscriptionRequest{
		Mode:        "subscribe",
		Callback:    callback,
		Topic:       cfg.PollURL("carol"),
		VerifyToken: "vt",
		Secret:      "s3cret",
	}
}

func TestHubSubscribeVerifiesChallenge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	owner := newUser(t, store, "carol")

	var (
		mu   sync.Mutex
		seen url.Values
	)
	ts, _ := subscriberServer(t, func(q url.Values) (int, string) {
		mu.Lock()
		seen = q
		mu.Unlock()
		return echo(q)
	})

	hub := NewHub(cfg, store, ts.Client(), nil, zaptest.NewLogger(t))
	lease, err := hub.HandleSubscriptionRequest(ctx, "carol", subscribeRequest(cfg, ts.URL+"/push/1?"))
	require.NoError(t, err)
	require.NotNil(t, lease)

	assert.Equal(t, owner.ID, lease.OwnerUserID)
	assert.Equal(t, ts.URL+"/push/1", lease.RemoteCallbackURL, "trailing ? is trimmed")
	assert.Equal(t, "s3cret", lease.Secret)
	assert.True(t, lease.Active(lease.Renewed))

	mu.Lock()
	defer mu.Unlock()
	assert.Regexp(t, hexChallenge, seen.Get("hub.challenge"))
	assert.Equal(t, "subscribe", seen.Get("hub.mode"))
	assert.Equal(t, "vt", seen.Get("hub.verify_token"))
	assert.Equal(t, "604800", seen.Get("hub.lease_seconds"))
	assert.Equal(t, cfg.PollURL("carol"), seen.Get("hub.topic"))
}

func TestHubChallengeMismatchLeavesNoLease(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	newUser(t, store, "carol")

	responders := map[string]func(url.Values) (int, string){
		"wrong echo":  func(url.Values) (int, string) { return http.StatusOK, "abc123" },
		"empty body":  func(url.Values) (int, string) { return http.StatusOK, "" },
		"not found":   func(q url.Values) (int, string) { return http.StatusNotFound, q.Get("hub.challenge") },
		"server down": func(q url.Values) (int, string) { return http.StatusInternalServerError, q.Get("hub.challenge") },
	}
	for name, respond := range responders {
		t.Run(name, func(t *testing.T) {
			ts, hits := subscriberServer(t, respond)
			hub := NewHub(cfg, store, ts.Client(), nil, zaptest.NewLogger(t))

			_, err := hub.HandleSubscriptionRequest(ctx, "carol", subscribeRequest(cfg, ts.URL+"/cb"))
			assert.ErrorIs(t, err, ErrRejected)
			assert.Equal(t, int32(1), hits.Load())

			n, err := store.CountLeases(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestHubRejectsBeforeCallingBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	newUser(t, store, "carol")
	ts, hits := subscriberServer(t, echo)
	hub := NewHub(cfg, store, ts.Client(), nil, zaptest.NewLogger(t))

	tests := []struct {
		name     string
		nickname string
		mutate   func(*SubscriptionRequest)
	}{
		{"bad mode", "carol", func(r *SubscriptionRequest) { r.Mode = "publish" }},
		{"unknown user", "nobody", func(r *SubscriptionRequest) { r.Topic = cfg.PollURL("nobody") }},
		{"foreign topic", "carol", func(r *SubscriptionRequest) { r.Topic = "https://elsewhere.example/dfrn_poll/carol" }},
		{"missing topic", "carol", func(r *SubscriptionRequest) { r.Topic = "" }},
		{"bad callback", "carol", func(r *SubscriptionRequest) { r.Callback = "ftp://x.example/cb" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := subscribeRequest(cfg, ts.URL+"/cb")
			tt.mutate(&req)
			_, err := hub.HandleSubscriptionRequest(ctx, tt.nickname, req)
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
	assert.Zero(t, hits.Load())
}

func TestHubAcceptsTopicAliases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	newUser(t, store, "carol")
	ts, _ := subscriberServer(t, echo)
	hub := NewHub(cfg, store, ts.Client(), nil, zaptest.NewLogger(t))

	topics := []string{
		cfg.BaseURL + "/feed/carol",
		cfg.BaseURL + "/api/statuses/user_timeline/carol.atom",
		"http://www.courier.example/dfrn_poll/carol/",
	}
	for i, topic := range topics {
		req := SubscriptionRequest{Mode: "subscribe", Callback: fmt.Sprintf("%s/cb/%d", ts.URL, i), Topic: topic}
		_, err := hub.HandleSubscriptionRequest(ctx, "carol", req)
		assert.NoError(t, err, topic)
	}

	// nickname taken from the topic when the path has none
	req := SubscriptionRequest{Mode: "subscribe", Callback: ts.URL + "/cb/api", Topic: cfg.BaseURL + "/api/statuses/user_timeline/carol.atom"}
	_, err := hub.HandleSubscriptionRequest(ctx, "", req)
	assert.NoError(t, err)

	n, err := store.CountLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestHubRenewAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	newUser(t, store, "carol")
	ts, _ := subscriberServer(t, echo)
	hub := NewHub(cfg, store, ts.Client(), nil, zaptest.NewLogger(t))

	req := subscribeRequest(cfg, ts.URL+"/cb")
	first, err := hub.HandleSubscriptionRequest(ctx, "carol", req)
	require.NoError(t, err)
	again, err := hub.HandleSubscriptionRequest(ctx, "carol", req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "renewal keeps one row per callback")

	req.Mode = "unsubscribe"
	lease, err := hub.HandleSubscriptionRequest(ctx, "carol", req)
	require.NoError(t, err)
	assert.Nil(t, lease)

	_, err = store.GetLeaseByCallback(ctx, ts.URL+"/cb")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHubBlockPublic(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.BlockPublic = true
	newUser(t, store, "carol")

	hub := NewHub(cfg, store, nil, nil, zaptest.NewLogger(t))
	_, err := hub.HandleSubscriptionRequest(context.Background(), "carol", subscribeRequest(cfg, "https://x.example/cb"))
	assert.ErrorIs(t, err, ErrPublicBlocked)
}

func TestHubPublish(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	owner := newUser(t, store, "carol")
	feed := []byte(`<feed xmlns="http://www.w3.org/2005/Atom"><title>carol</title></feed>`)

	var (
		mu         sync.Mutex
		signatures = map[string]string{}
		bodies     = map[string]string{}
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, r.URL.Query().Get("hub.challenge"))
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		signatures[r.URL.Path] = r.Header.Get("X-Hub-Signature")
		bodies[r.URL.Path] = string(body)
		mu.Unlock()
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	hub := NewHub(cfg, store, ts.Client(), nil, zaptest.NewLogger(t))
	for _, sub := range []SubscriptionRequest{
		{Mode: "subscribe", Callback: ts.URL + "/signed", Topic: cfg.PollURL("carol"), Secret: "s3cret"},
		{Mode: "subscribe", Callback: ts.URL + "/plain", Topic: cfg.PollURL("carol")},
		{Mode: "subscribe", Callback: ts.URL + "/broken", Topic: cfg.PollURL("carol")},
	} {
		_, err := hub.HandleSubscriptionRequest(ctx, "carol", sub)
		require.NoError(t, err)
	}

	res, err := hub.Publish(ctx, owner.ID, feed)
	require.NoError(t, err)
	assert.Equal(t, PublishResult{Delivered: 2, Failed: 1}, res)

	mu.Lock()
	assert.Equal(t, "sha1="+Signature("s3cret", feed), signatures["/signed"])
	assert.Empty(t, signatures["/plain"])
	assert.Equal(t, string(feed), bodies["/plain"])
	mu.Unlock()

	broken, err := store.GetLeaseByCallback(ctx, ts.URL+"/broken")
	require.NoError(t, err)
	assert.Equal(t, 1, broken.PushFailures)
}

func TestSignatureKnownValue(t *testing.T) {
	// RFC 2202 test case 2
	assert.Equal(t, "effcdf6ae5eb2fa2d27416d5f184df9c259a7c79", Signature("Jefe", []byte("what do ya want for nothing?")))
}

func TestPublishSkipsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	owner := newUser(t, store, "carol")

	var pushes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
	}))
	defer ts.Close()

	hub := NewHub(cfg, store, ts.Client(), nil, zaptest.NewLogger(t))
	_, err := store.UpsertSubscriptionLease(ctx, &types.SubscriptionLease{
		OwnerUserID:       owner.ID,
		Nickname:          "carol",
		RemoteCallbackURL: ts.URL + "/old",
		TopicURL:          cfg.PollURL("carol"),
		Mode:              types.ModeSubscribe,
		LeaseExpiresAt:    hub.now().Add(-time.Hour),
	})
	require.NoError(t, err)

	res, err := hub.Publish(ctx, owner.ID, []byte("<feed/>"))
	require.NoError(t, err)
	assert.Zero(t, res.Delivered+res.Failed)
	assert.Zero(t, pushes.Load())
}
