package test

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/pkg/config"
	"courier/pkg/contacts"
	"courier/pkg/crypto"
	"courier/pkg/dispatch"
	"courier/pkg/envelope"
	"courier/pkg/keys"
	"courier/pkg/ledger"
	"courier/pkg/metrics"
	"courier/pkg/pubsub"
	"courier/pkg/server"
	"courier/pkg/storage"
	"courier/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pod is a remote server publishing its users' keys over WebFinger
type pod struct {
	ts   *httptest.Server
	mu   sync.Mutex
	keys map[string]*rsa.PublicKey
}

func newPod(t *testing.T) *pod {
	p := &pod{keys: make(map[string]*rsa.PublicKey)}
	p.ts = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/webfinger" {
			http.NotFound(w, r)
			return
		}
		resource := strings.TrimPrefix(r.URL.Query().Get("resource"), "acct:")
		p.mu.Lock()
		pub, ok := p.keys[resource]
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"subject": "acct:" + resource,
			"links": []map[string]string{{
				"rel":  "magic-public-key",
				"href": "data:application/magic-public-key," + crypto.MagicKey(pub),
			}},
		})
	}))
	t.Cleanup(p.ts.Close)
	return p
}

func (p *pod) user(t *testing.T, name string) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey(1024)
	require.NoError(t, err)
	u, err := url.Parse(p.ts.URL)
	require.NoError(t, err)
	handle := name + "@" + u.Host

	p.mu.Lock()
	p.keys[handle] = &key.PublicKey
	p.mu.Unlock()
	return handle, key
}

// node is one courier instance wired the way serve wires it
type node struct {
	cfg    *config.Config
	store  *storage.Store
	disp   *dispatch.Dispatcher
	hub    *pubsub.Hub
	sub    *pubsub.Subscriber
	srv    *httptest.Server
	user   *types.User
	key    *rsa.PrivateKey
	client *http.Client
}

func newNode(t *testing.T, keyClient *http.Client) *node {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.BaseURL = ts.URL
	cfg.KeyFetchTimeout = 3 * time.Second
	require.NoError(t, cfg.Validate())

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	disp := dispatch.New(cfg,
		keys.NewResolver(cfg, store, keys.WithHTTPClient(keyClient), keys.WithMetrics(m), keys.WithLogger(logger)),
		contacts.NewResolver(store, logger),
		ledger.New(store, cfg.LedgerRetention, m, logger),
		store, m, logger)
	hub := pubsub.NewHub(cfg, store, ts.Client(), m, logger)
	sub := pubsub.NewSubscriber(cfg, store, ts.Client(), logger)

	handler = server.New(cfg, server.Deps{
		Store:      store,
		Dispatcher: disp,
		Hub:        hub,
		Subscriber: sub,
		Importer:   disp,
		Gatherer:   registry,
	}, logger).Handler()

	key, err := crypto.GenerateKey(1024)
	require.NoError(t, err)
	pubPEM, err := crypto.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	user, err := store.CreateUser(context.Background(), "carol", crypto.EncodePrivateKeyPEM(key), pubPEM)
	require.NoError(t, err)

	return &node{cfg: cfg, store: store, disp: disp, hub: hub, sub: sub, srv: ts, user: user, key: key, client: ts.Client()}
}

func (n *node) post(t *testing.T, path, contentType string, body []byte) (int, string) {
	t.Helper()
	resp, err := n.client.Post(n.srv.URL+path, contentType, strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(out)
}

func statusMessage(author, guid, text string) []byte {
	return []byte(fmt.Sprintf(
		`<status_message><author>%s</author><guid>%s</guid><created_at>2024-01-01T00:00:00Z</created_at><text>%s</text><public>true</public></status_message>`,
		author, guid, text))
}

func TestPublicDiasporaDelivery(t *testing.T) {
	ctx := context.Background()
	remote := newPod(t)
	alice, aliceKey := remote.user(t, "alice")
	n := newNode(t, remote.ts.Client())

	env, err := envelope.BuildDiaspora(statusMessage(alice, "pub-1", "hello world"), alice, aliceKey)
	require.NoError(t, err)

	code, _ := n.post(t, "/receive/public", "application/magic-envelope+xml", env)
	assert.Equal(t, http.StatusAccepted, code)

	item, err := n.store.GetItem(ctx, 0, "pub-1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", item.Body)

	// redelivery is acknowledged and not applied twice
	code, _ = n.post(t, "/receive/public", "application/magic-envelope+xml", env)
	assert.Equal(t, http.StatusAccepted, code)
	count, err := n.store.CountItems(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// the author's key was learned and bound to the public contact
	c, err := n.store.FindContact(ctx, alice, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, c.PublicKey)

	// a message signed by a different key is refused
	_, mallory := remote.user(t, "mallory")
	forged, err := envelope.BuildDiaspora(statusMessage(alice, "pub-2", "not alice"), alice, mallory)
	require.NoError(t, err)
	code, _ = n.post(t, "/receive/public", "application/magic-envelope+xml", forged)
	assert.Equal(t, http.StatusBadRequest, code)
	_, err = n.store.GetItem(ctx, 0, "pub-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPrivateDiasporaConversation(t *testing.T) {
	ctx := context.Background()
	remote := newPod(t)
	alice, aliceKey := remote.user(t, "alice")
	n := newNode(t, remote.ts.Client())

	private := func(payload []byte) []byte {
		env, err := envelope.BuildDiaspora(payload, alice, aliceKey)
		require.NoError(t, err)
		sealed, err := envelope.SealForRecipient(env, &n.key.PublicKey)
		require.NoError(t, err)
		return sealed
	}
	path := "/receive/users/" + n.user.GUID

	// without a relationship the post is acknowledged but dropped
	code, _ := n.post(t, path, "application/json", private(statusMessage(alice, "dm-1", "psst")))
	assert.Equal(t, http.StatusAccepted, code)
	_, err := n.store.GetItem(ctx, n.user.ID, "dm-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	follow := []byte(`<contact><author>` + alice + `</author><recipient>carol@courier.example</recipient>` +
		`<following>true</following><sharing>true</sharing></contact>`)
	code, _ = n.post(t, path, "application/json", private(follow))
	assert.Equal(t, http.StatusAccepted, code)

	// the ledger did not record the dropped post, so a resend now lands
	code, _ = n.post(t, path, "application/json", private(statusMessage(alice, "dm-1", "psst")))
	assert.Equal(t, http.StatusAccepted, code)
	item, err := n.store.GetItem(ctx, n.user.ID, "dm-1")
	require.NoError(t, err)
	assert.Equal(t, "psst", item.Body)

	// the legacy notify endpoint answers with a status document
	code, body := n.post(t, "/dfrn_notify/carol", "application/json", private(statusMessage(alice, "dm-2", "again")))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(server.StatusXML(server.StatusDone, "Done")), body)
}

func TestSalmonFollowThenPost(t *testing.T) {
	ctx := context.Background()
	remote := newPod(t)
	dave, daveKey := remote.user(t, "dave")
	n := newNode(t, remote.ts.Client())

	entry := func(id, verb, content string) []byte {
		atom := `<entry xmlns="http://www.w3.org/2005/Atom" xmlns:activity="http://activitystrea.ms/spec/1.0/">` +
			`<id>` + id + `</id><title>t</title><content>` + content + `</content>` +
			`<author><uri>acct:` + dave + `</uri><name>Dave</name></author>` +
			`<activity:verb>http://activitystrea.ms/schema/1.0/` + verb + `</activity:verb></entry>`
		env, err := envelope.Build([]byte(atom), envelope.DataTypeAtom, daveKey, envelope.BuildOptions{Wrap: envelope.WrapProvenance})
		require.NoError(t, err)
		return env
	}

	require.NoError(t, envelope.Slap(ctx, n.client, n.srv.URL+"/salmon/carol", entry("tag:pod,2024:follow", "follow", "")))
	require.NoError(t, envelope.Slap(ctx, n.client, n.srv.URL+"/salmon/carol", entry("tag:pod,2024:note", "post", "hi carol")))

	item, err := n.store.GetItem(ctx, n.user.ID, "tag:pod,2024:note")
	require.NoError(t, err)
	assert.Equal(t, "hi carol", item.Body)

	code, _ := n.post(t, "/salmon/carol", "application/magic-envelope+xml", []byte("<not-an-envelope/>"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHubSubscribeAndPublish(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, http.DefaultClient)

	var (
		mu        sync.Mutex
		pushed    []string
		signature string
	)
	subscriber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, r.URL.Query().Get("hub.challenge"))
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		pushed = append(pushed, string(body))
		signature = r.Header.Get("X-Hub-Signature")
		mu.Unlock()
	}))
	defer subscriber.Close()

	form := url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {subscriber.URL + "/cb"},
		"hub.topic":    {n.cfg.PollURL("carol")},
		"hub.secret":   {"shh"},
	}
	code, _ := n.post(t, "/pubsubhubbub/carol", "application/x-www-form-urlencoded", []byte(form.Encode()))
	require.Equal(t, http.StatusAccepted, code)

	feed := []byte(`<feed xmlns="http://www.w3.org/2005/Atom"><title>carol</title></feed>`)
	res, err := n.hub.Publish(ctx, n.user.ID, feed)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{string(feed)}, pushed)
	assert.Equal(t, "sha1="+pubsub.Signature("shh", feed), signature)
}

func TestSubscribeToRemoteHubAndReceivePush(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, http.DefaultClient)
	const author = "https://social.example/users/dave"
	const topic = "https://social.example/users/dave.atom"

	contact, err := n.store.AddContact(ctx, &types.Contact{
		OwnerUserID:  n.user.ID,
		URI:          author,
		Network:      types.NetworkOStatus,
		Relationship: types.RelSharing,
		PollURL:      topic,
	})
	require.NoError(t, err)

	// the remote hub verifies synchronously, then pushes the topic
	var (
		mu       sync.Mutex
		callback string
	)
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		callback = r.PostForm.Get("hub.callback")
		mu.Unlock()
		q := url.Values{
			"hub.mode":          {r.PostForm.Get("hub.mode")},
			"hub.topic":         {r.PostForm.Get("hub.topic")},
			"hub.challenge":     {"c0ffee"},
			"hub.verify_token":  {r.PostForm.Get("hub.verify_token")},
			"hub.lease_seconds": {"86400"},
		}
		resp, err := http.Get(r.PostForm.Get("hub.callback") + "?" + q.Encode())
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || string(body) != "c0ffee" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hub.Close()

	require.NoError(t, n.sub.RequestSubscription(ctx, n.user, contact, hub.URL, types.ModeSubscribe))
	mu.Lock()
	assert.Equal(t, n.cfg.CallbackURL("carol", contact.ID), callback)
	mu.Unlock()

	stored, err := n.store.GetContact(ctx, contact.ID)
	require.NoError(t, err)
	assert.True(t, stored.SubscribedToHub)

	feed := `<feed xmlns="http://www.w3.org/2005/Atom"><author><uri>` + author + `</uri></author>` +
		`<entry><id>tag:social.example,2024:note-7</id><title>n</title><content>pushed</content></entry></feed>`
	code, _ := n.post(t, "/pubsub/carol/"+strconv.FormatInt(contact.ID, 10), "application/atom+xml", []byte(feed))
	assert.Equal(t, http.StatusAccepted, code)

	item, err := n.store.GetItem(ctx, n.user.ID, "tag:social.example,2024:note-7")
	require.NoError(t, err)
	assert.Equal(t, "pushed", item.Body)
}
