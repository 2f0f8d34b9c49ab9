package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"courier/pkg/config"
	"courier/pkg/crypto"
	"courier/pkg/federation"
	"courier/pkg/metrics"
	"courier/pkg/storage"
	"courier/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Source says where a resolved key came from
type Source string

const (
	SourceContact Source = "contact"
	SourceCache   Source = "cache"
	SourceRemote  Source = "remote"
	SourceRefresh Source = "refresh"
)

// Remote reports whether the key was fetched during this resolution
func (s Source) Remote() bool {
	return s == SourceRemote || s == SourceRefresh
}

var (
	// ErrKeyNotFound means no key could be found for the author anywhere.
	ErrKeyNotFound = errors.New("keys: no public key for author")
	// ErrResolveTimeout means discovery did not finish in time. Callers
	// treat it as recoverable.
	ErrResolveTimeout = errors.New("keys: key resolution timed out")
)

// KeyStore is the contact storage the resolver reads and writes back to
type KeyStore interface {
	FindPublicKey(ctx context.Context, uri string) (string, error)
	UpdatePublicKey(ctx context.Context, uri, key string) (int64, error)
}

type ResolveOptions struct {
	// ForceRefresh skips the store and the cache
	ForceRefresh bool
}

// Resolver finds the public key of a remote author
type Resolver struct {
	store   KeyStore
	cache   *Cache
	client  *http.Client
	timeout time.Duration

	limit    rate.Limit
	burst    int
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Resolver)

// WithHTTPClient overrides the client used for discovery
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) { r.client = client }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver tuned by cfg
func NewResolver(cfg *config.Config, store KeyStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		cache:    NewCache(cfg.KeyCacheTTL),
		client:   &http.Client{},
		timeout:  cfg.KeyFetchTimeout,
		limit:    rate.Limit(cfg.DiscoveryRatePerHost),
		burst:    cfg.DiscoveryBurst,
		limiters: make(map[string]*rate.Limiter),
		logger:   zap.NewNop(),
	}
	if r.timeout <= 0 {
		r.timeout = config.DefaultKeyFetchTimeout
	}
	if r.limit <= 0 {
		r.limit = rate.Inf
	}
	if r.burst <= 0 {
		r.burst = 1
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the public key of authorURI. keyHash only matters when
// discovery turns up more than one key.
func (r *Resolver) Resolve(ctx context.Context, authorURI, keyHash string, opts ResolveOptions) (*types.RemoteKey, Source, error) {
	if authorURI == "" {
		return nil, "", fmt.Errorf("%w: empty author", ErrKeyNotFound)
	}

	if !opts.ForceRefresh {
		if key := r.fromStore(ctx, authorURI); key != nil {
			r.metrics.ObserveKeyResolution(string(SourceContact))
			return key, SourceContact, nil
		}
		if key, ok := r.cache.Get(authorURI); ok {
			r.metrics.ObserveKeyResolution(string(SourceCache))
			return key, SourceCache, nil
		}
	}

	source := SourceRemote
	if opts.ForceRefresh {
		source = SourceRefresh
	}

	// The shared fetch outlives any one caller and is bounded by the fetch
	// timeout alone; a caller that goes away only stops waiting for it.
	flightKey := federation.NormalizeURI(authorURI) + "|" + keyHash
	ch := r.group.DoChan(flightKey, func() (interface{}, error) {
		return r.fetch(context.WithoutCancel(ctx), authorURI, keyHash)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		r.metrics.KeyResolutionFailed()
		return nil, "", fmt.Errorf("%w: %s: %v", ErrResolveTimeout, authorURI, ctx.Err())
	}
	if res.Err != nil {
		r.metrics.KeyResolutionFailed()
		return nil, "", res.Err
	}

	key := res.Val.(*types.RemoteKey)
	r.metrics.ObserveKeyResolution(string(source))
	return key, source, nil
}

// Invalidate drops any cached key for the author
func (r *Resolver) Invalidate(authorURI string) {
	r.cache.Invalidate(authorURI)
}

func (r *Resolver) fromStore(ctx context.Context, authorURI string) *types.RemoteKey {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.FindPublicKey(ctx, authorURI)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("Failed to read stored key", zap.String("author", authorURI), zap.Error(err))
		}
		return nil
	}
	pub, err := crypto.ParsePublicKey(stored)
	if err != nil {
		r.logger.Debug("Ignoring unparseable stored key", zap.String("author", authorURI), zap.Error(err))
		return nil
	}
	return newRemoteKey(authorURI, pub, time.Time{})
}

// fetch runs remote discovery under the fetch timeout and records the result
func (r *Resolver) fetch(ctx context.Context, authorURI, keyHash string) (*types.RemoteKey, error) {
	host, err := federation.HostOf(authorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter(host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for %s: %v", ErrResolveTimeout, host, err)
	}

	start := time.Now()
	key, err := r.discover(ctx, authorURI, keyHash)
	r.metrics.ObserveKeyFetch(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrResolveTimeout, authorURI)
		}
		return nil, err
	}

	r.cache.Put(key)
	if r.store != nil {
		if _, err := r.store.UpdatePublicKey(ctx, authorURI, key.PEM); err != nil {
			r.logger.Warn("Failed to store fetched key", zap.String("author", authorURI), zap.Error(err))
		}
	}
	r.logger.Debug("Fetched remote key",
		zap.String("author", authorURI),
		zap.String("key_hash", key.KeyHash),
		zap.Duration("elapsed", time.Since(start)))
	return key, nil
}

func (r *Resolver) discover(ctx context.Context, authorURI, keyHash string) (*types.RemoteKey, error) {
	links, err := r.discoverLinks(ctx, authorURI)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	var candidates []*rsa.PublicKey
	for _, material := range r.keyMaterial(ctx, links) {
		pub, err := crypto.ParsePublicKey(material)
		if err != nil {
			r.logger.Debug("Skipping unparseable discovered key", zap.String("author", authorURI), zap.Error(err))
			continue
		}
		candidates = append(candidates, pub)
	}

	pub := selectKey(candidates, keyHash)
	if pub == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, authorURI)
	}
	return newRemoteKey(authorURI, pub, time.Now()), nil
}

// selectKey uses a lone key regardless of hash; among several it picks the
// one whose key hash matches.
func selectKey(candidates []*rsa.PublicKey, keyHash string) *rsa.PublicKey {
	unique := candidates[:0:0]
	seen := make(map[string]bool)
	for _, pub := range candidates {
		fp := crypto.Fingerprint(pub)
		if !seen[fp] {
			seen[fp] = true
			unique = append(unique, pub)
		}
	}

	switch len(unique) {
	case 0:
		return nil
	case 1:
		return unique[0]
	}
	if keyHash == "" {
		return nil
	}
	for _, pub := range unique {
		if crypto.KeyHashEqual(crypto.KeyHash(crypto.MagicKey(pub)), keyHash) {
			return pub
		}
	}
	return nil
}

func (r *Resolver) limiter(host string) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()

	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[host] = l
	}
	return l
}

func newRemoteKey(authorURI string, pub *rsa.PublicKey, fetched time.Time) *types.RemoteKey {
	modulus, exponent := crypto.KeyParts(pub)
	pemKey, _ := crypto.EncodePublicKeyPEM(pub)
	return &types.RemoteKey{
		OwnerURI:  authorURI,
		KeyHash:   crypto.KeyHash(crypto.MagicKey(pub)),
		Modulus:   modulus,
		Exponent:  exponent,
		PEM:       pemKey,
		FetchedAt: fetched,
	}
}

// PublicKey rebuilds the RSA key held in k
func PublicKey(k *types.RemoteKey) (*rsa.PublicKey, error) {
	if k == nil {
		return nil, ErrKeyNotFound
	}
	if len(k.Modulus) > 0 {
		return crypto.KeyFromParts(k.Modulus, k.Exponent)
	}
	return crypto.ParsePublicKey(k.PEM)
}
