package hwcontext

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
)

func newCUDAContextOrSkip(t *testing.T) *DeviceCodecContext {
	dcc, err := NewDeviceCodecContextBuilder().SetCUDADevice(0).Build(context.Background())
	if err != nil {
		t.Skipf("CUDA is not available: %v", err)
	}
	t.Cleanup(func() { _ = dcc.Close() })
	return dcc
}

func TestDeviceCodecContextBuildFailure(t *testing.T) {
	_, err := NewDeviceCodecContextBuilder().SetCUDADevice(1024).Build(context.Background())
	require.Error(t, err)
}

func TestDeviceCodecContextRefCount(t *testing.T) {
	dcc := newCUDAContextOrSkip(t)
	require.Equal(t, 1, dcc.RefCount())

	dcc.Ref()
	require.Equal(t, 2, dcc.RefCount())
	require.NoError(t, dcc.Close())
	require.Equal(t, 1, dcc.RefCount())
	require.NotNil(t, dcc.HardwareDeviceContext())
}

func TestDeviceFrameContextBuildFailureReleasesReference(t *testing.T) {
	ctx := context.Background()
	dcc := newCUDAContextOrSkip(t)

	b, err := NewDeviceFrameContextBuilder(dcc)
	require.NoError(t, err)
	require.Equal(t, 2, dcc.RefCount())

	_, err = b.SetFormat(astiav.PixelFormatCuda).SetSWFormat(astiav.PixelFormatRgb0).Build(ctx)
	require.Error(t, err, "a pool without a size must be rejected")
	require.Equal(t, 1, dcc.RefCount())

	b.Close()
	require.Equal(t, 1, dcc.RefCount())
}

func TestDeviceFrameContextGetBuffer(t *testing.T) {
	ctx := context.Background()
	dcc := newCUDAContextOrSkip(t)

	b, err := NewDeviceFrameContextBuilder(dcc)
	require.NoError(t, err)
	dfc, err := b.
		SetWidth(64).
		SetHeight(32).
		SetFormat(astiav.PixelFormatCuda).
		SetSWFormat(astiav.PixelFormatRgb0).
		Build(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(64), dfc.Width())
	require.Equal(t, uint32(32), dfc.Height())
	require.Equal(t, 2, dcc.RefCount())

	frame := astiav.AllocFrame()
	defer frame.Free()
	require.NoError(t, dfc.GetBuffer(frame))
	require.Equal(t, 64, frame.Width())
	require.Equal(t, 32, frame.Height())
	frame.Unref()

	require.NoError(t, dfc.Close())
	require.True(t, dfc.IsReleased())
	require.NoError(t, dfc.Close())
	require.Equal(t, 1, dcc.RefCount())
	require.Error(t, dfc.GetBuffer(frame))
}

func TestDeviceCodecContextBuilderDeviceName(t *testing.T) {
	b := NewDeviceCodecContextBuilder().SetCUDADevice(3)
	defer b.Close()
	require.Equal(t, "3", b.DeviceName())

	b.SetDeviceName("1")
	require.Equal(t, "1", b.DeviceName())
}
