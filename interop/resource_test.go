package interop

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/cuda/cudatest"
)

func newTestResource(t *testing.T) (*cudatest.Driver, *Resource) {
	ctx := context.Background()
	drv := cudatest.New()
	drv.AddTexture(1, &cudatest.Texture{Width: 2, Height: 2, Pixels: []uint32{1, 2, 3, 4}})
	drv.AddTexture(2, &cudatest.Texture{Width: 2, Height: 2, Pixels: []uint32{5, 6, 7, 8}})

	dev, err := cuda.NewDevice(ctx, drv, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	return drv, NewResource(ctx, dev)
}

func TestRegisterTwiceKeepsOneRegistration(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)

	require.False(t, r.IsRegistered())
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))
	require.Equal(t, 1, drv.Registrations())
	require.Equal(t, 2, drv.RegisterCalls())

	require.NoError(t, r.Register(ctx, 2, TextureKind2D))
	require.Equal(t, []uint32{2}, drv.RegisteredImages())
	require.Equal(t, TextureID(2), r.TextureID())

	require.NoError(t, r.Close(ctx))
	require.Equal(t, 0, drv.Registrations())
	require.False(t, r.IsRegistered())
	require.NoError(t, r.Close(ctx))
}

func TestRegisterRejected(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)

	err := r.Register(ctx, 42, TextureKind2D)
	require.Error(t, err)
	require.True(t, errors.Is(err, cuda.ResultErrorInvalidValue), err)
	require.False(t, r.IsRegistered())
	require.Equal(t, 0, drv.Registrations())
}

func TestWithMappedUnmapsOnError(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))

	errCopyFailed := fmt.Errorf("copy failed")
	err := r.WithMapped(ctx, func(m *MappedResource) error {
		require.True(t, m.IsMapped())
		require.Equal(t, 1, drv.MappedCount())
		array, err := m.GetMappedArray(ctx)
		require.NoError(t, err)
		require.NotZero(t, array)
		return errCopyFailed
	})
	require.ErrorIs(t, err, errCopyFailed)
	require.Equal(t, 0, drv.MappedCount())

	// the resource is mappable again
	m, err := r.Map(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Unmap(ctx))
	require.NoError(t, m.Unmap(ctx))
	require.False(t, m.IsMapped())
}

func TestDeferredUnmap(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))

	func() {
		m, err := r.Map(ctx)
		require.NoError(t, err)
		defer m.Unmap(ctx)

		_, _, err = m.GetDevicePointer(ctx)
		require.True(t, errors.Is(err, cuda.ResultErrorNotMappedAsPointer), err)
	}()
	require.Equal(t, 0, drv.MappedCount())
}

func TestUnregisterUnmaps(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))

	m, err := r.Map(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Register(ctx, 2, TextureKind2D))
	require.False(t, m.IsMapped())
	require.Equal(t, 0, drv.MappedCount())
	require.Equal(t, 1, drv.Registrations())
}

func TestMapFailure(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))

	drv.FailOn("cuGraphicsMapResources", cuda.NewDriverError("cuGraphicsMapResources", cuda.ResultErrorUnknown))
	_, err := r.Map(ctx)
	require.True(t, errors.Is(err, cuda.ResultErrorUnknown), err)

	drv.ClearFailure("cuGraphicsMapResources")
	m, err := r.Map(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Unmap(ctx))
}

func TestPreconditions(t *testing.T) {
	ctx := context.Background()
	_, r := newTestResource(t)

	require.Panics(t, func() { _, _ = r.Map(ctx) })
	require.Panics(t, func() { _ = r.Unregister(ctx) })

	require.NoError(t, r.Register(ctx, 1, TextureKind2D))
	m, err := r.Map(ctx)
	require.NoError(t, err)
	require.Panics(t, func() { _, _ = r.Map(ctx) })
	require.NoError(t, m.Unmap(ctx))
	require.Panics(t, func() { _, _ = m.GetMappedArray(ctx) })
}

func TestUnmapFailureKeepsMapping(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))

	drv.FailOn("cuGraphicsUnmapResources", cuda.NewDriverError("cuGraphicsUnmapResources", cuda.ResultErrorUnknown))
	err := r.WithMapped(ctx, func(*MappedResource) error { return nil })
	require.True(t, errors.Is(err, cuda.ResultErrorUnknown), err)
	require.Equal(t, 1, drv.MappedCount())

	// Map retries the unmap instead of mapping twice
	_, err = r.Map(ctx)
	require.True(t, errors.Is(err, cuda.ResultErrorUnknown), err)
	require.Equal(t, 1, drv.MappedCount())

	drv.ClearFailure("cuGraphicsUnmapResources")
	require.NoError(t, r.WithMapped(ctx, func(m *MappedResource) error {
		require.True(t, m.IsMapped())
		require.Equal(t, 1, drv.MappedCount())
		return nil
	}))
	require.Equal(t, 0, drv.MappedCount())
}

func TestUnregisterDropsFailedMapping(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))

	m, err := r.Map(ctx)
	require.NoError(t, err)
	drv.FailOn("cuGraphicsUnmapResources", cuda.NewDriverError("cuGraphicsUnmapResources", cuda.ResultErrorUnknown))
	require.Error(t, m.Unmap(ctx))
	require.True(t, m.IsMapped())

	require.NoError(t, r.Unregister(ctx))
	require.False(t, m.IsMapped())
	require.Equal(t, 0, drv.MappedCount())

	drv.ClearFailure("cuGraphicsUnmapResources")
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))
	require.NoError(t, r.WithMapped(ctx, func(*MappedResource) error { return nil }))
	require.NoError(t, r.Close(ctx))
}

func TestUnregisterFailure(t *testing.T) {
	ctx := context.Background()
	drv, r := newTestResource(t)
	require.NoError(t, r.Register(ctx, 1, TextureKind2D))

	drv.FailOn("cuGraphicsUnregisterResource", cuda.NewDriverError("cuGraphicsUnregisterResource", cuda.ResultErrorUnknown))
	err := r.Close(ctx)
	require.True(t, errors.Is(err, cuda.ResultErrorUnknown), err)
	require.True(t, r.IsRegistered())
	require.Equal(t, 1, drv.Registrations())

	drv.ClearFailure("cuGraphicsUnregisterResource")
	require.NoError(t, r.Close(ctx))
	require.False(t, r.IsRegistered())
	require.Equal(t, 0, drv.Registrations())
}
