package encodethread

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/libav/encoder"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
)

// FrameSlot is the host frame shared between the producer, which fills
// it, and a CPU-staged thread, which encodes it.
type FrameSlot struct {
	Locker xsync.Mutex
	Frame  *encoder.Frame
}

// Do calls callback with the current frame (nil if there is none yet)
// under the lock.
func (s *FrameSlot) Do(
	ctx context.Context,
	callback func(*encoder.Frame) error,
) error {
	return xsync.DoR1(ctx, &s.Locker, func() error {
		return callback(s.Frame)
	})
}

// Close frees the frame in the slot.
func (s *FrameSlot) Close(ctx context.Context) error {
	s.Locker.Do(ctx, func() {
		if s.Frame != nil {
			s.Frame.Free()
			s.Frame = nil
		}
	})
	return nil
}

// CPUStaged encodes the frame of a FrameSlot with the software or the
// GPU-staged encoder. It polls the command channel, so the producer can
// take the slot whenever the thread is idle.
type CPUStaged struct {
	*common

	slot *FrameSlot
}

var _ gpuencoder.EncodeThread = (*CPUStaged)(nil)

// NewCPUStaged starts the thread; cfg.Backend selects the encoder
// (BackendSoftware or BackendGPUStaged).
//
// The thread is stopped only by Close; the cancellation of ctx is ignored.
func NewCPUStaged(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	slot *FrameSlot,
) (*CPUStaged, error) {
	switch cfg.WithDefaults().Backend {
	case gpuencoder.BackendSoftware, gpuencoder.BackendGPUStaged:
	default:
		return nil, fmt.Errorf("%w: %s is not a CPU-staged backend", gpuencoder.ErrUnsupportedBackend, cfg.Backend)
	}
	return newCPUStaged(ctx, cfg, slot, func(
		ctx context.Context,
		cfg gpuencoder.EncoderConfig,
		size gpuencoder.Size,
	) (session, error) {
		return encoder.New(ctx, cfg, size, nil)
	}), nil
}

func newCPUStaged(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	slot *FrameSlot,
	newSession sessionFactory,
) *CPUStaged {
	t := &CPUStaged{
		common: newCommon(cfg, newSession),
		slot:   slot,
	}
	observability.Go(xcontext.DetachDone(ctx), func(ctx context.Context) {
		t.finish(ctx, t.loop(ctx))
	})
	return t
}

func (t *CPUStaged) loop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "CPUStaged.loop")
	defer func() { logger.Debugf(ctx, "/CPUStaged.loop: %v", _err) }()
	defer t.closeSession(ctx, true)

	for {
		select {
		case cmd, ok := <-t.commands:
			if !ok {
				return nil
			}
			t.stats.CommandsReceived.Add(1)
			t.handle(ctx, cmd)
		default:
			time.Sleep(t.config.IdlePollInterval)
		}
	}
}

func (t *CPUStaged) handle(
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

// init rebuilds the session and makes sure the slot holds a frame the
// new session accepts.
func (t *CPUStaged) init(
	ctx context.Context,
	size gpuencoder.Size,
) error {
	if err := t.initSession(ctx, size); err != nil {
		return err
	}
	return xsync.DoR1(ctx, &t.slot.Locker, func() error {
		// a slot shared across backends may hold a frame of another format
		if frame := t.slot.Frame; frame != nil && frame.Size == size && frame.Format == t.session.PixelFormat() {
			return nil
		}
		frame, err := t.session.CreateFrame(ctx)
		if err != nil {
			t.closeSession(ctx, false)
			return fmt.Errorf("%w: unable to allocate a %s frame: %w", gpuencoder.ErrEncoderUnavailable, size, err)
		}
		if t.slot.Frame != nil {
			t.slot.Frame.Free()
		}
		t.slot.Frame = frame
		return nil
	})
}

func (t *CPUStaged) sendFrame(ctx context.Context) {
	if t.session == nil {
		t.emitError(ctx, gpuencoder.ErrNotInitialized)
		return
	}

	// packets are emitted after the slot is released, so a slow consumer
	// does not block the producer
	var (
		packets   []*gpuencoder.Packet
		submitted bool
	)
	err := xsync.DoR1(ctx, &t.slot.Locker, func() error {
		frame := t.slot.Frame
		if frame == nil {
			return gpuencoder.ErrNoFrame
		}
		if frame.Size != t.size {
			return fmt.Errorf("the frame in the slot is %s, while the encoder is %s", frame.Size, t.size)
		}
		submitted = true
		var err error
		packets, err = t.encode(ctx, frame)
		return err
	})
	if submitted {
		t.forceKeyframe = false
	}
	t.emitPackets(packets)
	if err != nil {
		t.emitError(ctx, err)
	}
}
