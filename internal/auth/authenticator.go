package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// StaticOperator names callers authenticated by a configured key.
const StaticOperator = "static"

// KeyLookup resolves an operator API key to the operator's name. An unknown
// key yields "" and no error.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	operator  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	lookup     KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	clock      clock.PassiveClock
	logger     *zap.Logger
}

// NewAuthenticator accepts a nil lookup, in which case only static keys pass.
func NewAuthenticator(keys []string, lookup KeyLookup, ttl time.Duration, clk clock.PassiveClock, logger *zap.Logger) *Authenticator {
	staticKeys := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" {
			staticKeys[k] = true
		}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Authenticator{
		lookup:     lookup,
		ttl:        ttl,
		staticKeys: staticKeys,
		clock:      clk,
		logger:     logger.Named("auth"),
	}
}

// Authenticate returns the operator behind apiKey.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return StaticOperator, true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.clock.Now().Before(entry.expiresAt) {
			return entry.operator, true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.lookup == nil {
		return "", false
	}
	operator, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.logger.Warn("operator key lookup failed", zap.Error(err))
		return "", false
	}
	if operator == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{
		operator:  operator,
		expiresAt: a.clock.Now().Add(a.ttl),
	})
	return operator, true
}
