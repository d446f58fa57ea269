package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Rotator hands out a shared, strictly increasing rotation counter.
type Rotator interface {
	Next(ctx context.Context) (uint64, error)
}

// Credential pairs an API key with the client built for it.
type Credential[C any] struct {
	Key    string
	Client C
}

// Pool rotates over a fixed set of credentials. Each Acquire advances the
// counter by exactly one, so concurrent callers never skip or repeat a slot.
type Pool[C any] struct {
	creds   []Credential[C]
	local   atomic.Uint64
	mu      sync.RWMutex
	rotator Rotator
	logger  *zap.Logger
}

// ErrNoCredentials is returned when a pool is built without keys.
var ErrNoCredentials = errors.New("no backend credentials configured")

// NewPool builds a pool over creds. The set cannot change afterwards.
func NewPool[C any](creds []Credential[C], logger *zap.Logger) (*Pool[C], error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	cp := make([]Credential[C], len(creds))
	copy(cp, creds)
	return &Pool[C]{creds: cp, logger: logger}, nil
}

// SetRotator replaces the in-process counter with a shared one.
func (p *Pool[C]) SetRotator(r Rotator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotator = r
}

// Size returns the number of credentials.
func (p *Pool[C]) Size() int { return len(p.creds) }

// Acquire returns the next credential in rotation. If the shared rotator
// fails the local counter is used instead.
func (p *Pool[C]) Acquire(ctx context.Context) Credential[C] {
	p.mu.RLock()
	r := p.rotator
	p.mu.RUnlock()

	var n uint64
	if r != nil {
		v, err := r.Next(ctx)
		if err == nil {
			n = v
		} else {
			p.logger.Warn("shared key rotation failed, using local counter", zap.Error(err))
			n = p.local.Add(1) - 1
		}
	} else {
		n = p.local.Add(1) - 1
	}

	c := p.creds[n%uint64(len(p.creds))]
	p.logger.Debug("acquired credential", zap.String("key", MaskKey(c.Key)))
	return c
}

// MaskKey hides all but the last four characters of a key.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "..." + key[len(key)-4:]
}

// SplitKeys parses a comma-separated key list, dropping blanks.
func SplitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
