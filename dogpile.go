package dogpile

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Acquisition is the result of a successful Dogpile (or
// SyncReaderDogpile) acquisition: a value to use for the duration of
// the critical section, and a release function to defer.
type Acquisition struct {
	// Value is the resolved value for this acquisition: the freshly
	// created value, the stale value served while regeneration runs
	// elsewhere, or nil when Dogpile was used purely for mutual
	// exclusion.
	Value any

	release func()
}

// Release runs the acquisition's cleanup (in the base Dogpile this
// is a no-op; SyncReaderDogpile releases its read lock here). Always
// call it, typically via defer, even if the critical section panics.
func (a *Acquisition) Release() {
	if a != nil && a.release != nil {
		a.release()
	}
}

// DogpileOption configures a Dogpile at construction time.
type DogpileOption func(*dogpileConfig)

type dogpileConfig struct {
	mutex       Mutex
	init        bool
	metricsReg  prometheus.Registerer
	metricsName string
	tracerLevel zerolog.Level
	tracerName  string
	tracing     bool
}

// WithMutex supplies an external mutex (e.g. a redislock.Mutex for
// cross-process coordination) instead of an internal sync.Mutex.
func WithMutex(m Mutex) DogpileOption {
	return func(c *dogpileConfig) { c.mutex = m }
}

// WithInit sets the Dogpile's creation timestamp to now at
// construction time, so the first Acquire treats a value as already
// fresh rather than triggering an immediate cold-start creation.
func WithInit() DogpileOption {
	return func(c *dogpileConfig) { c.init = true }
}

// WithMetrics registers Prometheus instrumentation for this
// Dogpile's creation-mutex activity against reg, labeled with name.
func WithMetrics(reg prometheus.Registerer, name string) DogpileOption {
	return func(c *dogpileConfig) {
		c.metricsReg = reg
		c.metricsName = name
	}
}

// WithTracing turns on zerolog debug tracing of this Dogpile's Lock
// state transitions, tagged with name, at the given level.
func WithTracing(name string, level zerolog.Level) DogpileOption {
	return func(c *dogpileConfig) {
		c.tracing = true
		c.tracerName = name
		c.tracerLevel = level
	}
}

// Dogpile adapts Lock for callers that don't maintain their own
// cache-side creation timestamp: it tracks one itself, updated on
// every successful creation through Acquire or AcquireValue
// (AcquireValueAndCreated leaves it untouched).
//
// The zero value is not usable; construct one with NewDogpile.
type Dogpile struct {
	mutex      Mutex
	expireTime ExpireTime
	createdAt  atomic.Uint64 // math.Float64bits of the creation epoch seconds

	log     *tracer
	metrics *metricsRecorder
}

// NewDogpile constructs a Dogpile with the given expiry.
func NewDogpile(expireTime ExpireTime, opts ...DogpileOption) *Dogpile {
	cfg := dogpileConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dogpile{
		expireTime: expireTime,
		log:        nopTracer,
		metrics:    nopMetrics,
	}

	if cfg.mutex != nil {
		d.mutex = cfg.mutex
	} else {
		d.mutex = &sync.Mutex{}
	}
	if cfg.init {
		d.storeCreatedAt(nowSeconds())
	} else {
		d.storeCreatedAt(NeverCreated)
	}
	if cfg.tracing {
		d.log = newTracer(cfg.tracerName, cfg.tracerLevel)
	}
	if cfg.metricsReg != nil {
		d.metrics = newMetricsRecorder(cfg.metricsReg, cfg.metricsName)
	}
	return d
}

func (d *Dogpile) loadCreatedAt() float64 {
	return math.Float64frombits(d.createdAt.Load())
}

func (d *Dogpile) storeCreatedAt(t float64) {
	d.createdAt.Store(math.Float64bits(t))
}

// HasValue reports whether this Dogpile's own creation timestamp has
// been set: by a successful creation through Acquire or AcquireValue,
// or by WithInit at construction. A creation through
// AcquireValueAndCreated does not set it.
func (d *Dogpile) HasValue() bool {
	return d.loadCreatedAt() > 0
}

// IsExpired reports whether the expiry has been reached, or no value
// has ever been created.
func (d *Dogpile) IsExpired() bool {
	t := d.loadCreatedAt()
	if t <= 0 {
		return true
	}
	if d.expireTime == Forever {
		return false
	}
	return nowSeconds()-t > d.expireTime.Seconds()
}

func (d *Dogpile) newLock(creator CreatorFunc, probe ProbeFunc) *Lock {
	l := NewLock(d.mutex, creator, probe, d.expireTime)
	l.log = d.log
	l.metrics = d.metrics
	return l
}

// Acquire runs creator under dogpile protection purely for mutual
// exclusion: there is no externally observable cached value, only
// this Dogpile's own creation timestamp decides freshness, and the
// resolved Acquisition.Value is always nil.
func (d *Dogpile) Acquire(creator func() error) (*Acquisition, error) {
	wrappedCreator := func() (any, float64, error) {
		if err := creator(); err != nil {
			return nil, 0, err
		}
		now := nowSeconds()
		d.storeCreatedAt(now)
		return nil, now, nil
	}
	probe := func() (any, float64, error) {
		return nil, d.loadCreatedAt(), nil
	}
	value, err := d.newLock(wrappedCreator, probe).Enter()
	if err != nil {
		return nil, err
	}
	return &Acquisition{Value: value}, nil
}

// AcquireValue runs creator under dogpile protection, serving
// valueFn's return value when regeneration is not needed. valueFn
// may return ErrNeedsRegeneration to force treatment as absent.
func (d *Dogpile) AcquireValue(creator func() (any, error), valueFn func() (any, error)) (*Acquisition, error) {
	wrappedCreator := func() (any, float64, error) {
		value, err := creator()
		if err != nil {
			return nil, 0, err
		}
		now := nowSeconds()
		d.storeCreatedAt(now)
		return value, now, nil
	}
	probe := func() (any, float64, error) {
		value, err := valueFn()
		if err != nil {
			return nil, 0, err
		}
		return value, d.loadCreatedAt(), nil
	}
	value, err := d.newLock(wrappedCreator, probe).Enter()
	if err != nil {
		return nil, err
	}
	return &Acquisition{Value: value}, nil
}

// AcquireValueAndCreated delegates straight to a Lock built from
// creator and probe: the caller fully manages creation timestamps
// (e.g. because they are stored in an external cache), and this
// Dogpile's own creation timestamp is left untouched. This is what
// lets another Dogpile instance pick up later where this one left
// off, since freshness is entirely determined by what probe reports.
func (d *Dogpile) AcquireValueAndCreated(creator CreatorFunc, probe ProbeFunc) (*Acquisition, error) {
	value, err := d.newLock(creator, probe).Enter()
	if err != nil {
		return nil, err
	}
	return &Acquisition{Value: value}, nil
}

// SyncReaderDogpile layers a ReadWriteMutex on top of Dogpile so a
// creator can fence off stale readers during a hand-over critical
// section (e.g. atomically swapping an on-disk resource), via
// AcquireWriteLock. Every normal acquisition additionally takes the
// read lock after value resolution, releasing it when the caller
// calls Acquisition.Release.
type SyncReaderDogpile struct {
	*Dogpile
	rw *ReadWriteMutex
}

// NewSyncReaderDogpile constructs a SyncReaderDogpile with the given
// expiry.
func NewSyncReaderDogpile(expireTime ExpireTime, opts ...DogpileOption) *SyncReaderDogpile {
	return &SyncReaderDogpile{
		Dogpile: NewDogpile(expireTime, opts...),
		rw:      NewReadWriteMutex(),
	}
}

// AcquireWriteLock returns a release function for the write lock.
// Call it by deferring the returned function. Intended to be called
// by the creator around a critical section that must be invisible to
// stale readers.
func (d *SyncReaderDogpile) AcquireWriteLock() func() {
	d.rw.AcquireWrite()
	return d.rw.ReleaseWrite
}

// AcquireWriteLockContext is AcquireWriteLock with cancellation.
func (d *SyncReaderDogpile) AcquireWriteLockContext(ctx context.Context) (func(), error) {
	if err := d.rw.AcquireWriteContext(ctx); err != nil {
		return nil, err
	}
	return d.rw.ReleaseWrite, nil
}

func (d *SyncReaderDogpile) Acquire(creator func() error) (*Acquisition, error) {
	acq, err := d.Dogpile.Acquire(creator)
	if err != nil {
		return nil, err
	}
	return d.fenceRead(acq), nil
}

func (d *SyncReaderDogpile) AcquireValue(creator func() (any, error), valueFn func() (any, error)) (*Acquisition, error) {
	acq, err := d.Dogpile.AcquireValue(creator, valueFn)
	if err != nil {
		return nil, err
	}
	return d.fenceRead(acq), nil
}

func (d *SyncReaderDogpile) AcquireValueAndCreated(creator CreatorFunc, probe ProbeFunc) (*Acquisition, error) {
	acq, err := d.Dogpile.AcquireValueAndCreated(creator, probe)
	if err != nil {
		return nil, err
	}
	return d.fenceRead(acq), nil
}

func (d *SyncReaderDogpile) fenceRead(acq *Acquisition) *Acquisition {
	d.rw.AcquireRead()
	acq.release = d.rw.ReleaseRead
	return acq
}
