package encodethread

import (
	"context"
	"fmt"
	"runtime"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/interop"
	"github.com/xaionaro-go/gpuencoder/kernel"
	"github.com/xaionaro-go/gpuencoder/libav/encoder"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

// GPUResident encodes the texture of a shared interop resource without
// leaving the GPU: the texture is copied into a staging buffer, flipped
// by the kernel into a pooled hardware frame and encoded by NVENC.
type GPUResident struct {
	*common

	device        *cuda.Device
	resource      *interop.SharedResource
	deviceContext *interop.SharedDeviceContext

	flip    *kernel.Flip
	staging *cuda.Slice
	frame   *encoder.Frame
	memcpy  cuda.Memcpy2D
}

var _ gpuencoder.EncodeThread = (*GPUResident)(nil)

// NewGPUResident starts the thread. The CUDA device is bound to the new
// thread, so the caller must not use it from its own thread afterwards.
//
// The thread is stopped only by Close; the cancellation of ctx is ignored.
func NewGPUResident(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	device *cuda.Device,
	resource *interop.SharedResource,
	deviceContext *interop.SharedDeviceContext,
) *GPUResident {
	cfg.Backend = gpuencoder.BackendGPUResident
	return newGPUResident(ctx, cfg, device, resource, deviceContext, func(
		ctx context.Context,
		cfg gpuencoder.EncoderConfig,
		size gpuencoder.Size,
	) (session, error) {
		return encoder.NewGPUResident(ctx, cfg, size, device.Ordinal)
	})
}

func newGPUResident(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	device *cuda.Device,
	resource *interop.SharedResource,
	deviceContext *interop.SharedDeviceContext,
	newSession sessionFactory,
) *GPUResident {
	t := &GPUResident{
		common:        newCommon(cfg, newSession),
		device:        device,
		resource:      resource,
		deviceContext: deviceContext,
		memcpy: cuda.Memcpy2D{
			SrcMemoryType: cuda.MemoryTypeArray,
			DstMemoryType: cuda.MemoryTypeDevice,
		},
	}
	observability.Go(xcontext.DetachDone(ctx), func(ctx context.Context) {
		// never unlocked: the thread exits together with the goroutine,
		// so its bound CUDA context is not inherited by other goroutines
		runtime.LockOSThread()
		t.finish(ctx, t.loop(ctx))
	})
	return t
}

func (t *GPUResident) loop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "GPUResident.loop")
	defer func() { logger.Debugf(ctx, "/GPUResident.loop: %v", _err) }()

	if err := t.start(ctx); err != nil {
		err = fmt.Errorf("%w: %w", gpuencoder.ErrEncoderUnavailable, err)
		t.emitError(ctx, err)
		return err
	}
	defer t.teardown(ctx)

	for cmd := range t.commands {
		t.stats.CommandsReceived.Add(1)
		t.handle(ctx, cmd)
	}
	return nil
}

func (t *GPUResident) start(ctx context.Context) error {
	if err := t.device.BindToThread(ctx); err != nil {
		return err
	}
	flip, err := kernel.Load(ctx, t.device)
	if err != nil {
		return err
	}
	t.flip = flip
	return nil
}

func (t *GPUResident) handle(
	ctx context.Context,
	cmd gpuencoder.Command,
) {
	logger.Tracef(ctx, "handle(%T)", cmd)
	switch cmd := cmd.(type) {
	case gpuencoder.CommandInit:
		if err := t.init(ctx, cmd.Size); err != nil {
			t.emitError(ctx, err)
		}
	case gpuencoder.CommandForceKeyframe:
		t.forceKeyframe = true
	case gpuencoder.CommandSendFrame:
		t.sendFrame(ctx)
	default:
		t.emitError(ctx, fmt.Errorf("unexpected command %T", cmd))
	}
}

func (t *GPUResident) init(
	ctx context.Context,
	size gpuencoder.Size,
) (_err error) {
	t.freeBuffers()
	defer func() {
		if _err != nil {
			t.freeBuffers()
			t.closeSession(ctx, false)
		}
	}()

	if size.IsValid() {
		staging, err := t.device.AllocZeros(ctx, size.Linear())
		if err != nil {
			return fmt.Errorf("%w: unable to allocate the staging buffer: %w", gpuencoder.ErrEncoderUnavailable, err)
		}
		t.staging = staging
	}

	if err := t.initSession(ctx, size); err != nil {
		return err
	}

	frame, err := t.session.CreateFrame(ctx)
	if err != nil {
		return fmt.Errorf("%w: unable to get a hardware frame: %w", gpuencoder.ErrEncoderUnavailable, err)
	}
	t.frame = frame
	return nil
}

func (t *GPUResident) freeBuffers() {
	if t.frame != nil {
		t.frame.Free()
		t.frame = nil
	}
	if t.staging != nil {
		_ = t.staging.Free()
		t.staging = nil
	}
}

func (t *GPUResident) teardown(ctx context.Context) {
	t.freeBuffers()
	t.closeSession(ctx, true)
}

func (t *GPUResident) sendFrame(ctx context.Context) {
	if t.session == nil {
		t.emitError(ctx, gpuencoder.ErrNotInitialized)
		return
	}

	if err := t.transfer(ctx); err != nil {
		// the keyframe request stays pending: no frame was submitted
		t.emitError(ctx, fmt.Errorf("unable to transfer the texture into frame %d: %w", t.frameNumber, err))
		return
	}

	packets, err := t.encode(ctx, t.frame)
	t.forceKeyframe = false
	t.emitPackets(packets)
	if err != nil {
		if t.session == nil {
			t.freeBuffers()
		}
		t.emitError(ctx, err)
	}
}

// transfer copies the texture into the frame under the locks of the
// graphics context and of the resource, so the renderer cannot touch
// the texture while it is mapped.
func (t *GPUResident) transfer(ctx context.Context) error {
	return xsync.DoR1(ctx, &t.deviceContext.Locker, func() error {
		return xsync.DoR1(ctx, &t.resource.Locker, func() (_err error) {
			gl := t.deviceContext.Context
			if err := gl.MakeCurrent(); err != nil {
				return fmt.Errorf("unable to make the graphics context current: %w", err)
			}
			defer func() {
				if err := gl.Release(); err != nil && _err == nil {
					_err = fmt.Errorf("unable to release the graphics context: %w", err)
				}
			}()

			res := t.resource.Resource
			if !res.IsRegistered() {
				return fmt.Errorf("no texture is registered")
			}
			return res.WithMapped(ctx, func(mapped *interop.MappedResource) error {
				return t.copyAndFlip(ctx, mapped)
			})
		})
	})
}

func (t *GPUResident) copyAndFlip(
	ctx context.Context,
	mapped *interop.MappedResource,
) error {
	array, err := mapped.GetMappedArray(ctx)
	if err != nil {
		return err
	}

	size := t.frame.Size
	t.memcpy.SrcArray = array
	t.memcpy.DstDevice = t.staging.DevicePtr()
	t.memcpy.DstPitch = uint64(t.frame.Pitch)
	t.memcpy.WidthInBytes = uint64(size.Width) * 4
	t.memcpy.Height = uint64(size.Height)
	if err := t.device.Memcpy2D(ctx, &t.memcpy); err != nil {
		return err
	}
	if err := t.device.Synchronize(ctx); err != nil {
		return err
	}

	// the memory belongs to the frame pool
	dst := t.device.UpgradeDevicePtr(ctx, t.frame.DevicePtr, size.Linear()*4)
	defer dst.Leak()

	if err := t.flip.Launch(ctx, t.staging, dst, size.Width, size.Height); err != nil {
		return err
	}
	return t.device.Synchronize(ctx)
}
