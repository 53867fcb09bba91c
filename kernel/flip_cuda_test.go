//go:build with_cuda
// +build with_cuda

package kernel

import (
	"context"
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuencoder/cuda"
)

func TestFlipKernelOnDevice(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx := context.Background()
	dev, err := cuda.OpenDevice(ctx, 0)
	if err != nil {
		t.Skipf("no CUDA device: %v", err)
	}
	defer dev.Close()
	require.NoError(t, dev.BindToThread(ctx))

	flip, err := Load(ctx, dev)
	require.NoError(t, err)

	const width, height = 4, 4
	in := rowIndexed(width, height)
	src, err := dev.AllocZeros(ctx, width*height)
	require.NoError(t, err)
	defer src.Free()
	dst, err := dev.AllocZeros(ctx, width*height)
	require.NoError(t, err)
	defer dst.Free()

	buf := make([]byte, width*height*4)
	for i, v := range in {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	require.NoError(t, src.CopyFromHost(buf))
	require.NoError(t, flip.Launch(ctx, src, dst, width, height))
	require.NoError(t, dev.Synchronize(ctx))
	require.NoError(t, dst.CopyToHost(buf))

	out := make([]uint32, width*height)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	require.Equal(t, FlipVertical(in, width, height), out)
}
