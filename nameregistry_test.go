package dogpile

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryValue struct {
	id string
}

func TestNameRegistryReturnsSameInstanceWhileReferenced(t *testing.T) {
	var created int32
	reg := NewNameRegistry(func(id string, args ...any) (*registryValue, error) {
		atomic.AddInt32(&created, 1)
		return &registryValue{id: id}, nil
	})

	first, err := reg.Get("alpha")
	require.NoError(t, err)
	second, err := reg.Get("alpha")
	require.NoError(t, err)

	assert.Same(t, first, second, "two Gets for the same live identifier must return the same object")
	assert.Equal(t, int32(1), atomic.LoadInt32(&created), "creator ran more than once for a still-referenced identifier")
}

func TestNameRegistryDistinctIdentifiersGetDistinctInstances(t *testing.T) {
	reg := NewNameRegistry(func(id string, args ...any) (*registryValue, error) {
		return &registryValue{id: id}, nil
	})

	a, err := reg.Get("alpha")
	require.NoError(t, err)
	b, err := reg.Get("beta")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "alpha", a.id)
	assert.Equal(t, "beta", b.id)
}

func TestNameRegistryPropagatesCreatorError(t *testing.T) {
	boom := fmt.Errorf("boom")
	reg := NewNameRegistry(func(id string, args ...any) (*registryValue, error) {
		return nil, boom
	})

	_, err := reg.Get("anything")
	assert.ErrorIs(t, err, boom)
}

func TestNameRegistryRecreatesAfterCollection(t *testing.T) {
	var created int32
	reg := NewNameRegistry(func(id string, args ...any) (*registryValue, error) {
		atomic.AddInt32(&created, 1)
		return &registryValue{id: id}, nil
	})

	func() {
		v, err := reg.Get("alpha")
		require.NoError(t, err)
		require.NotNil(t, v)
		// v goes out of scope here; nothing else in the test holds it.
	}()

	// runtime.AddCleanup callbacks run asynchronously relative to GC;
	// repeated GC cycles give the cleanup goroutine a chance to run.
	for i := 0; i < 10 && atomic.LoadInt32(&created) < 2; i++ {
		runtime.GC()
		v, err := reg.Get("alpha")
		require.NoError(t, err)
		require.NotNil(t, v)
		runtime.KeepAlive(v)
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&created), int32(2), "no new instance was created after the first one was collected")
}

func TestNameRegistryConcurrentGetForSameIdentifierCreatesOnce(t *testing.T) {
	var created int32
	block := make(chan struct{})
	reg := NewNameRegistry(func(id string, args ...any) (*registryValue, error) {
		<-block
		atomic.AddInt32(&created, 1)
		return &registryValue{id: id}, nil
	})

	const callers = 20
	results := make([]*registryValue, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := reg.Get("shared")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(block)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i])
	}
}
