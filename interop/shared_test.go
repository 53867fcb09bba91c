package interop

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDeviceContext struct {
	current, calls int
	failMakeCurrent bool
}

func (c *fakeDeviceContext) MakeCurrent() error {
	c.calls++
	if c.failMakeCurrent {
		return fmt.Errorf("no display")
	}
	c.current++
	return nil
}

func (c *fakeDeviceContext) Release() error {
	c.current--
	return nil
}

func TestSharedDeviceContext(t *testing.T) {
	ctx := context.Background()
	dc := &fakeDeviceContext{}
	shared := NewSharedDeviceContext(dc)

	err := shared.WithCurrent(ctx, func() error {
		require.Equal(t, 1, dc.current)
		return fmt.Errorf("kernel failed")
	})
	require.Error(t, err)
	require.Equal(t, 0, dc.current)

	dc.failMakeCurrent = true
	called := false
	err = shared.WithCurrent(ctx, func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.False(t, called)
	require.Equal(t, 2, dc.calls)
}

func TestSharedResource(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	shared := NewSharedResource(r)

	require.NoError(t, shared.Register(ctx, 1, TextureKind2D))
	require.NoError(t, shared.Do(ctx, func(r *Resource) error {
		return r.WithMapped(ctx, func(*MappedResource) error { return nil })
	}))
	require.NoError(t, shared.Close(ctx))
	require.Equal(t, 0, drv.Registrations())
}
