package serviceauth

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	keyCacheTTL    = 10 * time.Minute // issuers rotate rarely; forceRefresh bypasses anyway
	keyCacheMaxLen = 50_000
)

// KeyFetcher resolves an issuer DID to its current signing key, typically by
// resolving the DID document over the network.
type KeyFetcher func(ctx context.Context, iss string) (PublicKey, error)

// CachingKeyResolver wraps a KeyFetcher with a W-TinyLFU cache so repeated
// verifications of the same issuer skip DID resolution. forceRefresh drops
// the cached entry first, which is how key-rotation retry reaches the fresh
// key.
type CachingKeyResolver struct {
	fetch KeyFetcher
	cache *otter.Cache[string, PublicKey]
}

// NewCachingKeyResolver returns a resolver backed by fetch.
func NewCachingKeyResolver(fetch KeyFetcher) (*CachingKeyResolver, error) {
	c, err := otter.New(&otter.Options[string, PublicKey]{
		MaximumSize:      keyCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, PublicKey](keyCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &CachingKeyResolver{fetch: fetch, cache: c}, nil
}

// GetSigningKey implements the resolver contract of VerifyParams.
func (r *CachingKeyResolver) GetSigningKey(ctx context.Context, iss string, forceRefresh bool) (PublicKey, error) {
	if forceRefresh {
		r.cache.Invalidate(iss)
	} else if key, ok := r.cache.GetIfPresent(iss); ok {
		return key, nil
	}

	key, err := r.fetch(ctx, iss)
	if err != nil {
		return nil, err
	}
	r.cache.Set(iss, key)
	return key, nil
}
