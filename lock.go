package dogpile

import (
	"errors"
	"fmt"
	"time"
)

// ExpireTime is a duration after which a created value is considered
// stale. Forever disables expiry entirely.
type ExpireTime = time.Duration

// Forever is the ExpireTime sentinel meaning "never expires".
const Forever ExpireTime = -1

// NeverCreated is the CreationTimestamp sentinel meaning "no value
// has ever been created; treat as unconditionally expired."
const NeverCreated float64 = 0

// ProbeFunc returns the currently cached value and its creation
// time, or returns ErrNeedsRegeneration to signal that no usable
// value currently exists.
type ProbeFunc func() (value any, createdAt float64, err error)

// CreatorFunc produces a new value and its creation time. createdAt
// is normally "now" at the moment the creator finishes, but a
// creator may return any timestamp (e.g. to reuse an externally
// stamped value).
type CreatorFunc func() (value any, createdAt float64, err error)

// Lock is a scoped single-flight acquisition bound to a creation
// mutex, a creator, a probe, and an expiry. It never stores a value
// between uses: construct a new Lock (or go through Dogpile.Acquire)
// for each critical section entry.
type Lock struct {
	mutex      Mutex
	creator    CreatorFunc
	probe      ProbeFunc
	expireTime ExpireTime

	log     *tracer
	metrics *metricsRecorder
}

// NewLock constructs a Lock directly, for callers that maintain
// their own cache-side creation timestamp (via the probe/creator
// pair) rather than going through Dogpile.
func NewLock(mutex Mutex, creator CreatorFunc, probe ProbeFunc, expireTime ExpireTime) *Lock {
	return &Lock{
		mutex:      mutex,
		creator:    creator,
		probe:      probe,
		expireTime: expireTime,
		log:        nopTracer,
		metrics:    nopMetrics,
	}
}

func (l *Lock) hasValue(createdAt float64) bool {
	return createdAt > 0
}

func (l *Lock) fresh(createdAt float64) bool {
	if !l.hasValue(createdAt) {
		return false
	}
	if l.expireTime == Forever {
		return true
	}
	return nowSeconds()-createdAt <= l.expireTime.Seconds()
}

// Enter runs the Lock's state machine and returns the value that
// should be used for this acquisition: either the freshly created
// value, a stale value served while another goroutine regenerates,
// or the value a concurrent winner just produced.
func (l *Lock) Enter() (any, error) {
	value, createdAt, err := l.probe()
	needsRegen := errors.Is(err, ErrNeedsRegeneration)
	switch {
	case err != nil && !needsRegen:
		return nil, fmt.Errorf("dogpile: probe failed: %w", err)
	case needsRegen:
		l.log.debug("probe signaled needs-regeneration")
		value, createdAt = nil, NeverCreated
	}

	generated, _, regenerated, err := l.enterCreate(createdAt)
	if err != nil {
		return nil, err
	}
	if regenerated {
		return generated, nil
	}
	if !l.hasValue(createdAt) {
		// We lost the race for the creation mutex but still had no
		// value when we entered; the winner must have populated the
		// cache by the time it released the mutex.
		value, _, err = l.probe()
		if errors.Is(err, ErrNeedsRegeneration) {
			return nil, fmt.Errorf("%w", ErrDoubleRegeneration)
		}
		if err != nil {
			return nil, fmt.Errorf("dogpile: probe failed: %w", err)
		}
		return value, nil
	}
	return value, nil
}

// enterCreate is the heart of dogpile prevention. If the probed
// value is already fresh, nothing happens. If a stale value exists,
// only the goroutine that wins TryLock runs the creator; everyone
// else returns immediately to serve the stale value. If no value
// exists at all, every goroutine blocks on the mutex, and each one
// re-probes under the lock before calling the creator, so a goroutine
// that got the mutex after a concurrent winner reuses that winner's
// result instead of creating twice.
func (l *Lock) enterCreate(createdAt float64) (value any, newCreatedAt float64, regenerated bool, err error) {
	if l.fresh(createdAt) {
		return nil, 0, false, nil
	}

	if l.hasValue(createdAt) {
		if !l.mutex.TryLock() {
			l.log.debug("creation in progress elsewhere, serving stale value")
			l.metrics.recordStaleServed()
			return nil, 0, false, nil
		}
	} else {
		l.log.debug("no value yet, waiting for creation lock")
		waitStart := time.Now()
		l.mutex.Lock()
		l.metrics.recordMutexWait(time.Since(waitStart))
	}
	defer l.mutex.Unlock()

	v, ct, perr := l.probe()
	switch {
	case perr == nil && l.fresh(ct):
		l.log.debug("value already present under lock")
		return v, ct, true, nil
	case perr != nil && !errors.Is(perr, ErrNeedsRegeneration):
		return nil, 0, false, fmt.Errorf("dogpile: probe failed: %w", perr)
	}

	l.log.debug("calling creation function")
	newVal, newCt, cerr := l.creator()
	l.metrics.recordCreatorInvocation()
	if cerr != nil {
		return nil, 0, false, fmt.Errorf("dogpile: creator failed: %w", cerr)
	}
	return newVal, newCt, true, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
