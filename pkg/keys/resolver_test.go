package keys

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/pkg/config"
	"courier/pkg/crypto"
	"courier/pkg/federation"
	"courier/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memStore struct {
	mu      sync.Mutex
	keys    map[string]string
	updates int
}

func newMemStore() *memStore {
	return &memStore{keys: make(map[string]string)}
}

func (s *memStore) FindPublicKey(_ context.Context, uri string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[federation.NormalizeURI(uri)]
	if !ok {
		return "", storage.ErrNotFound
	}
	return key, nil
}

func (s *memStore) UpdatePublicKey(_ context.Context, uri, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[federation.NormalizeURI(uri)] = key
	s.updates++
	return 1, nil
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey(1024)
	require.NoError(t, err)
	return key
}

func magicLink(pub *rsa.PublicKey) map[string]string {
	return map[string]string{
		"rel":  relMagicPublicKey,
		"href": "data:application/magic-public-key," + crypto.MagicKey(pub),
	}
}

func diasporaLink(t *testing.T, pub *rsa.PublicKey) map[string]string {
	pemKey, err := crypto.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	return map[string]string{
		"rel":  relDiasporaPublicKey,
		"type": "RSA",
		"href": base64.StdEncoding.EncodeToString([]byte(pemKey)),
	}
}

// webfingerServer answers WebFinger queries with the given links and counts hits
func webfingerServer(t *testing.T, hits *atomic.Int32, links ...map[string]string) *httptest.Server {
	t.Helper()
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/webfinger" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"subject": r.URL.Query().Get("resource"),
			"links":   links,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func handleFor(ts *httptest.Server, user string) string {
	u, _ := url.Parse(ts.URL)
	return user + "@" + u.Host
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.KeyFetchTimeout = 2 * time.Second
	return cfg
}

func newTestResolver(t *testing.T, cfg *config.Config, store KeyStore, ts *httptest.Server) *Resolver {
	opts := []Option{WithLogger(zaptest.NewLogger(t))}
	if ts != nil {
		opts = append(opts, WithHTTPClient(ts.Client()))
	}
	return NewResolver(cfg, store, opts...)
}

func TestResolvePrefersStoredKey(t *testing.T) {
	priv := genKey(t)
	pemKey, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)

	store := newMemStore()
	store.keys["acct:bob@remote.example"] = pemKey

	r := newTestResolver(t, testConfig(), store, nil)
	key, source, err := r.Resolve(context.Background(), "bob@remote.example", "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceContact, source)
	assert.False(t, source.Remote())

	pub, err := PublicKey(key)
	require.NoError(t, err)
	assert.Equal(t, crypto.Fingerprint(&priv.PublicKey), crypto.Fingerprint(pub))
}

func TestResolveWebFinger(t *testing.T) {
	priv := genKey(t)
	var hits atomic.Int32
	ts := webfingerServer(t, &hits, magicLink(&priv.PublicKey))
	author := handleFor(ts, "alice")

	store := newMemStore()
	r := newTestResolver(t, testConfig(), store, ts)

	key, source, err := r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, source)
	assert.True(t, source.Remote())
	assert.False(t, key.FetchedAt.IsZero())
	assert.Equal(t, crypto.KeyHash(crypto.MagicKey(&priv.PublicKey)), key.KeyHash)
	assert.Equal(t, 1, store.updates, "fetched key is written back")

	// the store now answers
	_, source, err = r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceContact, source)
	assert.EqualValues(t, 1, hits.Load())
}

func TestResolveUsesCacheWithoutStore(t *testing.T) {
	priv := genKey(t)
	var hits atomic.Int32
	ts := webfingerServer(t, &hits, magicLink(&priv.PublicKey))
	author := handleFor(ts, "alice")

	r := newTestResolver(t, testConfig(), nil, ts)
	_, _, err := r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)

	_, source, err := r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)

	r.Invalidate(author)
	_, source, err = r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, source)
	assert.EqualValues(t, 2, hits.Load())
}

func TestResolveHostMetaFallback(t *testing.T) {
	priv := genKey(t)
	link := diasporaLink(t, &priv.PublicKey)

	var ts *httptest.Server
	ts = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/host-meta":
			w.Header().Set("Content-Type", "application/xrd+xml")
			fmt.Fprintf(w, `<?xml version="1.0"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" type="application/xrd+xml" template="%s/xrd?uri={uri}"/>
</XRD>`, ts.URL)
		case "/xrd":
			assert.True(t, strings.HasPrefix(r.URL.Query().Get("uri"), "acct:carol@"))
			fmt.Fprintf(w, `<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Subject>%s</Subject>
  <Link rel="%s" type="RSA" href="%s"/>
</XRD>`, r.URL.Query().Get("uri"), link["rel"], link["href"])
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	r := newTestResolver(t, testConfig(), nil, ts)
	key, source, err := r.Resolve(context.Background(), handleFor(ts, "carol"), "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, source)

	pub, err := PublicKey(key)
	require.NoError(t, err)
	assert.Equal(t, crypto.Fingerprint(&priv.PublicKey), crypto.Fingerprint(pub))
}

func TestResolveSelectsByKeyHash(t *testing.T) {
	first, second := genKey(t), genKey(t)
	ts := webfingerServer(t, nil, magicLink(&first.PublicKey), magicLink(&second.PublicKey))
	author := handleFor(ts, "dave")
	wantHash := crypto.KeyHash(crypto.MagicKey(&second.PublicKey))

	r := newTestResolver(t, testConfig(), nil, ts)
	key, _, err := r.Resolve(context.Background(), author, strings.TrimRight(wantHash, "="), ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, wantHash, key.KeyHash)

	r.Invalidate(author)
	_, _, err = r.Resolve(context.Background(), author, "not-a-match", ResolveOptions{})
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, _, err = r.Resolve(context.Background(), author, "", ResolveOptions{})
	assert.ErrorIs(t, err, ErrKeyNotFound, "several keys and no hash is ambiguous")
}

func TestResolveForceRefresh(t *testing.T) {
	oldKey, newKey := genKey(t), genKey(t)
	ts := webfingerServer(t, nil, magicLink(&newKey.PublicKey))
	author := handleFor(ts, "erin")

	oldPEM, err := crypto.EncodePublicKeyPEM(&oldKey.PublicKey)
	require.NoError(t, err)
	store := newMemStore()
	store.keys[federation.NormalizeURI(author)] = oldPEM

	r := newTestResolver(t, testConfig(), store, ts)
	key, source, err := r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceContact, source)

	key, source, err = r.Resolve(context.Background(), author, "", ResolveOptions{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, SourceRefresh, source)
	pub, err := PublicKey(key)
	require.NoError(t, err)
	assert.Equal(t, crypto.Fingerprint(&newKey.PublicKey), crypto.Fingerprint(pub))

	stored, err := store.FindPublicKey(context.Background(), author)
	require.NoError(t, err)
	assert.Equal(t, key.PEM, stored)
}

func TestResolveNotFound(t *testing.T) {
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()

	r := newTestResolver(t, testConfig(), newMemStore(), ts)
	_, _, err := r.Resolve(context.Background(), handleFor(ts, "ghost"), "", ResolveOptions{})
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, _, err = r.Resolve(context.Background(), "", "", ResolveOptions{})
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, _, err = r.Resolve(context.Background(), "not a uri", "", ResolveOptions{})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolveTimeout(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.KeyFetchTimeout = 50 * time.Millisecond
	r := newTestResolver(t, cfg, nil, ts)

	start := time.Now()
	_, _, err := r.Resolve(context.Background(), handleFor(ts, "slow"), "", ResolveOptions{})
	assert.ErrorIs(t, err, ErrResolveTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	priv := genKey(t)
	release := make(chan struct{})
	var hits atomic.Int32
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"links": []map[string]string{magicLink(&priv.PublicKey)},
		})
	}))
	defer ts.Close()

	author := handleFor(ts, "frank")
	r := newTestResolver(t, testConfig(), newMemStore(), ts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Resolve(context.Background(), author, "", ResolveOptions{})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load())
}

func TestResolveCallerCancelDoesNotFailOthers(t *testing.T) {
	priv := genKey(t)
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/webfinger" {
			http.NotFound(w, r)
			return
		}
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/jrd+json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"subject": r.URL.Query().Get("resource"),
			"links":   []map[string]string{magicLink(&priv.PublicKey)},
		})
	}))
	defer ts.Close()

	author := handleFor(ts, "hana")
	r := newTestResolver(t, testConfig(), newMemStore(), ts)

	impatient, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var (
		wg       sync.WaitGroup
		shortErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, shortErr = r.Resolve(impatient, author, "", ResolveOptions{})
	}()
	time.Sleep(10 * time.Millisecond)

	key, source, err := r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, source)
	assert.Equal(t, crypto.KeyHash(crypto.MagicKey(&priv.PublicKey)), key.KeyHash)

	wg.Wait()
	assert.ErrorIs(t, shortErr, ErrResolveTimeout)
}

func TestResolveRateLimitedPerHost(t *testing.T) {
	priv := genKey(t)
	ts := webfingerServer(t, nil, magicLink(&priv.PublicKey))
	author := handleFor(ts, "gina")

	cfg := testConfig()
	cfg.KeyFetchTimeout = 100 * time.Millisecond
	cfg.DiscoveryRatePerHost = 0.1
	cfg.DiscoveryBurst = 1
	r := newTestResolver(t, cfg, nil, ts)

	_, _, err := r.Resolve(context.Background(), author, "", ResolveOptions{})
	require.NoError(t, err)

	_, _, err = r.Resolve(context.Background(), author, "", ResolveOptions{ForceRefresh: true})
	assert.ErrorIs(t, err, ErrResolveTimeout)
}

func TestCacheExpiry(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	priv := genKey(t)
	c.Put(newRemoteKey("bob@remote.example", &priv.PublicKey, now))
	_, ok := c.Get("acct:BOB@remote.example")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("bob@remote.example")
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	disabled := NewCache(0)
	disabled.Put(newRemoteKey("bob@remote.example", &priv.PublicKey, now))
	assert.Zero(t, disabled.Len())
}
