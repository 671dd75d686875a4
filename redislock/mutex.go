// Package redislock implements a dogpile.Mutex backed by Redis, so a
// creation lock can coordinate across processes instead of only
// goroutines within one. It is a pluggable backend: pass a *Mutex to
// dogpile.WithMutex.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// client is the subset of redis.UniversalClient a Mutex needs. It
// exists so tests can supply a fake without standing up a real Redis
// server.
type client interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RetryConfig tunes the blocking Lock's retry/backoff behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	JitterFactor float64
}

// DefaultRetryConfig matches a reasonable default for a creation lock
// that may be contended by a handful of peer processes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  0, // 0 leaves the backoff exponent uncapped; Lock retries until acquired for any value
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: 0.5,
	}
}

// Option configures a Mutex at construction.
type Option func(*Mutex)

// WithRetryConfig overrides DefaultRetryConfig.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(m *Mutex) { m.retry = cfg }
}

// WithDegradedMode falls back to a local, in-process sync.Mutex
// whenever the circuit breaker judges Redis unhealthy, rather than
// failing every acquisition outright.
func WithDegradedMode() Option {
	return func(m *Mutex) { m.allowDegradedMode = true }
}

// WithLogger attaches a zerolog.Logger for warnings about Redis
// errors and degraded-mode transitions. The zero value is zerolog.Nop().
func WithLogger(log zerolog.Logger) Option {
	return func(m *Mutex) { m.log = log }
}

// Mutex is a distributed, TTL-bounded mutual-exclusion lock over a
// single Redis key, satisfying dogpile.Mutex. It trades the exact
// mutual exclusion a local sync.Mutex gives for the ability to
// coordinate creators running in different processes; correctness is
// bounded by ttl, not by explicit ownership, so ttl must comfortably
// exceed how long the creator actually takes to run.
type Mutex struct {
	cl  client
	ctx context.Context

	key string
	ttl time.Duration

	retry             RetryConfig
	allowDegradedMode bool
	fallback          sync.Mutex

	circuitBreaker *circuitBreaker
	log            zerolog.Logger
}

// New returns a Mutex guarding key with the given ttl. ctx bounds
// every Redis call the Mutex makes (TryLock, Lock's retry loop, and
// Unlock); pass context.Background() for a Mutex with no deadline of
// its own.
func New(ctx context.Context, rdb redis.UniversalClient, key string, ttl time.Duration, opts ...Option) *Mutex {
	m := &Mutex{
		cl:             rdb,
		ctx:            ctx,
		key:            key,
		ttl:            ttl,
		retry:          DefaultRetryConfig(),
		circuitBreaker: newCircuitBreaker(5, time.Minute),
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mutex) writerKey() string {
	return fmt.Sprintf("dogpile:lock:{%s}", m.key)
}

// TryLock attempts to take the lock without blocking, via SETNX.
func (m *Mutex) TryLock() bool {
	if m.circuitBreaker.isOpen() {
		if m.allowDegradedMode {
			return m.fallback.TryLock()
		}
		return false
	}

	token := newToken()
	ok, err := m.cl.SetNX(m.ctx, m.writerKey(), token, m.ttl).Result()
	if err != nil {
		if isConnectionError(err) {
			m.circuitBreaker.recordFailure()
			if m.circuitBreaker.isOpen() && m.allowDegradedMode {
				m.log.Warn().Err(err).Str("key", m.key).Msg("redis unavailable, falling back to local lock")
				return m.fallback.TryLock()
			}
		}
		m.log.Warn().Err(err).Str("key", m.key).Msg("redis SETNX failed")
		return false
	}

	m.circuitBreaker.recordSuccess()
	return ok
}

// Lock blocks until the distributed lock is acquired, retrying
// TryLock with exponential backoff and jitter. RetryConfig.MaxAttempts
// does not bound the number of retries: a positive value caps the
// backoff exponent at MaxAttempts-1, after which Lock keeps retrying
// at that delay; zero leaves the exponent uncapped (the delay still
// stops growing at MaxDelay). If the Mutex's context is done first,
// Lock returns without having acquired the lock.
func (m *Mutex) Lock() {
	for attempt := 0; ; attempt++ {
		if m.TryLock() {
			return
		}
		if m.retry.MaxAttempts > 0 && attempt >= m.retry.MaxAttempts-1 {
			// Out of attempts; keep trying at the max backoff rather than
			// giving up, since Lock has no error return to report failure.
			attempt = m.retry.MaxAttempts - 1
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.backoff(attempt)):
		}
	}
}

func (m *Mutex) backoff(attempt int) time.Duration {
	delay := float64(m.retry.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(m.retry.MaxDelay) {
		delay = float64(m.retry.MaxDelay)
	}
	if m.retry.Jitter {
		factor := m.retry.JitterFactor
		if factor <= 0 {
			factor = 0.5
		}
		delay += mathrand.Float64() * delay * factor //nolint:gosec // jitter doesn't need crypto randomness
	}
	return time.Duration(delay)
}

// Unlock releases the lock unconditionally. Because the key carries a
// ttl, a caller that holds the Mutex well past ttl may be releasing a
// key someone else has since acquired; keep ttl comfortably longer
// than the creator's expected runtime.
func (m *Mutex) Unlock() {
	if m.circuitBreaker.isOpen() && m.allowDegradedMode {
		m.fallback.Unlock()
		return
	}
	if err := m.cl.Del(m.ctx, m.writerKey()).Err(); err != nil {
		m.log.Warn().Err(err).Str("key", m.key).Msg("redis DEL failed during unlock")
	}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b) // crypto/rand.Read never returns an error
	return hex.EncodeToString(b)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "i/o timeout") ||
		strings.Contains(s, "no such host")
}
