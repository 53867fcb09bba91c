package cuda_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/cuda/cudatest"
)

func TestDeviceBindAndClose(t *testing.T) {
	ctx := context.Background()
	drv := cudatest.New()

	dev, err := cuda.NewDevice(ctx, drv, 0)
	require.NoError(t, err)
	require.Equal(t, 1, drv.PrimaryRetained())

	require.NoError(t, dev.BindToThread(ctx))
	require.Equal(t, dev.PrimaryContext(), drv.CurrentContext())

	require.NoError(t, dev.Close())
	require.Equal(t, 0, drv.PrimaryRetained())
	require.NoError(t, dev.Close())
}

func TestNewDeviceInvalidOrdinal(t *testing.T) {
	_, err := cuda.NewDevice(context.Background(), cudatest.New(), 3)
	require.Error(t, err)
	require.True(t, errors.Is(err, cuda.ResultErrorInvalidDevice), err)
}

func TestSliceFreeOnceAndLeak(t *testing.T) {
	ctx := context.Background()
	drv := cudatest.New()
	dev, err := cuda.NewDevice(ctx, drv, 0)
	require.NoError(t, err)
	defer dev.Close()

	s, err := dev.AllocZeros(ctx, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(64), s.Size())
	require.Equal(t, uint64(16), s.Len())
	require.Equal(t, 1, drv.Allocations())

	values, err := drv.ReadUint32s(s.DevicePtr(), 16)
	require.NoError(t, err)
	require.Equal(t, make([]uint32, 16), values)

	require.NoError(t, s.Free())
	require.NoError(t, s.Free())
	require.True(t, s.IsReleased())
	require.Equal(t, 0, drv.Allocations())

	foreign := drv.Alloc(64)
	borrowed := dev.UpgradeDevicePtr(ctx, foreign, 64)
	require.Equal(t, foreign, borrowed.Leak())
	require.NoError(t, borrowed.Free())
	require.Equal(t, 1, drv.Allocations(), "leaked memory must not be freed by the wrapper")
}

func TestLoadPTXAndLaunch(t *testing.T) {
	ctx := context.Background()
	drv := cudatest.New()
	var launchedWith []any
	drv.RegisterKernel("touch", func(d *cudatest.Driver, cfg cuda.LaunchConfig, args []any) error {
		launchedWith = args
		return nil
	})

	dev, err := cuda.NewDevice(ctx, drv, 0)
	require.NoError(t, err)
	defer dev.Close()

	ptx, err := drv.CompileProgram(`extern "C" __global__ void touch(unsigned* p) {}`, "touch.cu", nil)
	require.NoError(t, err)

	require.Error(t, dev.LoadPTX(ctx, ptx, "mod", []string{"touch", "missing"}))
	require.False(t, dev.HasFunc("mod", "touch"))

	require.NoError(t, dev.LoadPTX(ctx, ptx, "mod", []string{"touch"}))
	require.Error(t, dev.LoadPTX(ctx, ptx, "mod", []string{"touch"}))

	fn, ok := dev.GetFunc("mod", "touch")
	require.True(t, ok)

	buf, err := dev.AllocZeros(ctx, 1)
	require.NoError(t, err)
	defer buf.Free()

	cfg := cuda.LaunchConfig{GridDim: cuda.Dim3{X: 1, Y: 1, Z: 1}, BlockDim: cuda.Dim3{X: 1, Y: 1, Z: 1}}
	require.NoError(t, dev.Launch(ctx, fn, cfg, buf, int32(7)))
	require.Equal(t, []any{buf.DevicePtr(), int32(7)}, launchedWith)
	require.NoError(t, dev.Synchronize(ctx))
	require.Equal(t, 1, drv.SyncCount())
}

func TestDriverErrorIs(t *testing.T) {
	err := cuda.NewDriverError("cuGraphicsMapResources", cuda.ResultErrorAlreadyMapped)
	require.True(t, errors.Is(err, cuda.ResultErrorAlreadyMapped))
	require.False(t, errors.Is(err, cuda.ResultErrorNotMapped))
	require.Contains(t, err.Error(), "CUDA_ERROR_ALREADY_MAPPED")
	require.NoError(t, cuda.NewDriverError("noop", cuda.ResultSuccess))
}
