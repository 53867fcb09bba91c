package encodethread

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/interop"
)

// Factory starts the thread matching the configured backend. Device,
// Resource and DeviceContext are required by BackendGPUResident; Slot
// by BackendSoftware and BackendGPUStaged.
type Factory struct {
	Device        *cuda.Device
	Resource      *interop.SharedResource
	DeviceContext *interop.SharedDeviceContext
	Slot          *FrameSlot
}

var _ gpuencoder.Factory = (*Factory)(nil)

func (f *Factory) NewEncodeThread(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
) (gpuencoder.EncodeThread, error) {
	cfg = cfg.WithDefaults()
	switch cfg.Backend {
	case gpuencoder.BackendGPUResident:
		if f.Device == nil || f.Resource == nil || f.DeviceContext == nil {
			return nil, fmt.Errorf("the %s backend requires a CUDA device, an interop resource and a graphics context", cfg.Backend)
		}
		return NewGPUResident(ctx, cfg, f.Device, f.Resource, f.DeviceContext), nil
	case gpuencoder.BackendSoftware, gpuencoder.BackendGPUStaged:
		if f.Slot == nil {
			return nil, fmt.Errorf("the %s backend requires a frame slot", cfg.Backend)
		}
		return NewCPUStaged(ctx, cfg, f.Slot)
	default:
		return nil, fmt.Errorf("%w: %s", gpuencoder.ErrUnsupportedBackend, cfg.Backend)
	}
}
