package detect

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDetector returns canned results, or a canned error.
type stubDetector struct {
	category Category
	results  []Result
	err      error
	closed   atomic.Bool
	infers   atomic.Int64
}

func (d *stubDetector) Category() Category { return d.category }

func (d *stubDetector) Infer(_ []byte) ([]Result, error) {
	d.infers.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.results, nil
}

func (d *stubDetector) Close() error {
	d.closed.Store(true)
	return nil
}

func TestRegistryLazyInitOnce(t *testing.T) {
	r := NewRegistry()
	var built atomic.Int64
	stub := &stubDetector{category: CategoryPerson}
	r.Register(CategoryPerson, func() (Detector, error) {
		built.Add(1)
		return stub, nil
	})

	assert.Equal(t, int64(0), built.Load(), "registration must not initialize")

	d1, err := r.Get(CategoryPerson)
	require.NoError(t, err)
	d2, err := r.Get(CategoryPerson)
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, int64(1), built.Load())
}

func TestRegistryCachesFailure(t *testing.T) {
	r := NewRegistry()
	var built atomic.Int64
	r.Register(CategorySmoke, func() (Detector, error) {
		built.Add(1)
		return nil, errors.New("model file missing")
	})

	_, err := r.Get(CategorySmoke)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	_, err = r.Get(CategorySmoke)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, int64(1), built.Load(), "failed factory must not be retried")
}

func TestRegistryUnregisteredCategory(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(CategoryPPE)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestRegistryReRegisterClearsFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(CategoryIdentity, func() (Detector, error) {
		return nil, errors.New("boom")
	})
	_, err := r.Get(CategoryIdentity)
	require.ErrorIs(t, err, ErrModelUnavailable)

	stub := &stubDetector{category: CategoryIdentity}
	r.Register(CategoryIdentity, func() (Detector, error) { return stub, nil })

	d, err := r.Get(CategoryIdentity)
	require.NoError(t, err)
	assert.Same(t, Detector(stub), d)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	stub := &stubDetector{category: CategoryPerson}
	r.Register(CategoryPerson, func() (Detector, error) { return stub, nil })

	_, err := r.Get(CategoryPerson)
	require.NoError(t, err)

	r.Close()
	assert.True(t, stub.closed.Load())
}
