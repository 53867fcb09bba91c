package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/cuda/cudatest"
)

func TestLaunchConfigFor(t *testing.T) {
	cfg := LaunchConfigFor(1920, 1080)
	require.Equal(t, cuda.Dim3{X: 121, Y: 541, Z: 1}, cfg.GridDim)
	require.Equal(t, cuda.Dim3{X: 16, Y: 2, Z: 1}, cfg.BlockDim)

	for _, size := range [][2]uint32{{1, 1}, {15, 3}, {17, 5}, {640, 480}} {
		cfg := LaunchConfigFor(size[0], size[1])
		require.GreaterOrEqual(t, cfg.GridDim.X*cfg.BlockDim.X, size[0])
		require.GreaterOrEqual(t, cfg.GridDim.Y*cfg.BlockDim.Y, size[1])
	}
}

func TestFlipVertical(t *testing.T) {
	require.Equal(t,
		[]uint32{5, 6, 3, 4, 1, 2},
		FlipVertical([]uint32{1, 2, 3, 4, 5, 6}, 2, 3),
	)
}

func rowIndexed(width, height uint32) []uint32 {
	pixels := make([]uint32, width*height)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			pixels[y*width+x] = y
		}
	}
	return pixels
}

func TestFlipKernel(t *testing.T) {
	ctx := context.Background()
	drv := cudatest.New()
	drv.RegisterKernel(FunctionName, cudatest.FlipVerticalKernel)

	dev, err := cuda.NewDevice(ctx, drv, 0)
	require.NoError(t, err)
	defer dev.Close()

	flip, err := Load(ctx, dev)
	require.NoError(t, err)

	again, err := Load(ctx, dev)
	require.NoError(t, err)
	require.Equal(t, flip.function, again.function)

	for _, size := range [][2]uint32{{4, 4}, {17, 5}} {
		width, height := size[0], size[1]
		src, err := dev.AllocZeros(ctx, uint64(width*height))
		require.NoError(t, err)
		dst, err := dev.AllocZeros(ctx, uint64(width*height))
		require.NoError(t, err)

		in := rowIndexed(width, height)
		require.NoError(t, drv.WriteUint32s(src.DevicePtr(), in))

		require.NoError(t, flip.Launch(ctx, src, dst, width, height))
		require.NoError(t, dev.Synchronize(ctx))

		out, err := drv.ReadUint32s(dst.DevicePtr(), uint64(width*height))
		require.NoError(t, err)
		require.Equal(t, FlipVertical(in, width, height), out)
		for y := uint32(0); y < height; y++ {
			require.Equal(t, height-1-y, out[y*width], "row %d", y)
		}

		require.NoError(t, src.Free())
		require.NoError(t, dst.Free())
	}

	launches := drv.Launches()
	require.Len(t, launches, 2)
	require.Equal(t, FunctionName, launches[0].Function)
	require.Equal(t, LaunchConfigFor(4, 4), launches[0].Config)
}

func TestFlipLaunchTooSmall(t *testing.T) {
	ctx := context.Background()
	drv := cudatest.New()
	drv.RegisterKernel(FunctionName, cudatest.FlipVerticalKernel)
	dev, err := cuda.NewDevice(ctx, drv, 0)
	require.NoError(t, err)
	defer dev.Close()

	flip, err := Load(ctx, dev)
	require.NoError(t, err)
	small, err := dev.AllocZeros(ctx, 4)
	require.NoError(t, err)
	defer small.Free()

	require.Error(t, flip.Launch(ctx, small, small, 4, 4))
	require.Empty(t, drv.Launches())
}

func TestLoadCompileFailure(t *testing.T) {
	ctx := context.Background()
	drv := cudatest.New()
	drv.FailOn("nvrtcCompileProgram", cuda.NewDriverError("nvrtcCompileProgram", cuda.ResultErrorInvalidPTX))
	dev, err := cuda.NewDevice(ctx, drv, 0)
	require.NoError(t, err)
	defer dev.Close()

	_, err = Load(ctx, dev)
	require.Error(t, err)
	require.False(t, dev.HasFunc(ModuleName, FunctionName))
}
