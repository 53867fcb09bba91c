// Package encodethread runs encoder sessions on dedicated OS threads
// driven by a pair of depth-1 channels.
package encodethread

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/libav/encoder"
)

// common is the part shared by both thread variants: the channels, the
// statistics and the session state machine. Everything below the
// channels is touched only by the loop goroutine.
type common struct {
	config     gpuencoder.EncoderConfig
	newSession sessionFactory

	commands  chan gpuencoder.Command
	outputs   chan gpuencoder.Output
	closeOnce sync.Once
	done      chan struct{}
	loopErr   error
	stats     statistics

	session       session
	size          gpuencoder.Size
	frameNumber   int64
	forceKeyframe bool
}

func newCommon(
	cfg gpuencoder.EncoderConfig,
	newSession sessionFactory,
) *common {
	return &common{
		config:     cfg.WithDefaults(),
		newSession: newSession,
		commands:   make(chan gpuencoder.Command, 1),
		outputs:    make(chan gpuencoder.Output, 1),
		done:       make(chan struct{}),
	}
}

// Commands must not be sent to after Close.
func (t *common) Commands() chan<- gpuencoder.Command {
	return t.commands
}

// Outputs is closed when the thread exits.
func (t *common) Outputs() <-chan gpuencoder.Output {
	return t.outputs
}

// Close closes the command channel; the thread finishes the current
// command, tears the session down and exits. Use Wait to wait for that.
func (t *common) Close() error {
	t.closeOnce.Do(func() {
		close(t.commands)
	})
	return nil
}

// Wait returns the error the thread exited with.
func (t *common) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.loopErr
	}
}

func (t *common) Stats() *gpuencoder.Stats {
	stats := t.stats.Convert()
	return &stats
}

// finish publishes the result of the loop.
func (t *common) finish(ctx context.Context, err error) {
	if err != nil {
		errmon.ObserveErrorCtx(ctx, err)
	}
	t.loopErr = err
	close(t.outputs)
	close(t.done)
}

func (t *common) emit(out gpuencoder.Output) {
	t.outputs <- out
}

func (t *common) emitError(ctx context.Context, err error) {
	logger.Errorf(ctx, "%v", err)
	t.stats.Errors.Add(1)
	t.emit(gpuencoder.OutputError{Err: err})
}

func (t *common) emitPackets(packets []*gpuencoder.Packet) {
	for _, pkt := range packets {
		t.stats.PacketsEmitted.Add(1)
		t.stats.BytesEmitted.Add(uint64(len(pkt.Data)))
		if pkt.IsKeyFrame {
			t.stats.KeyFramesEmitted.Add(1)
		}
		t.emit(gpuencoder.OutputFrame{Packet: *pkt})
	}
}

// initSession resets the per-session state and replaces the session by a
// new one of the given size, never resizing in place.
func (t *common) initSession(
	ctx context.Context,
	size gpuencoder.Size,
) (_err error) {
	logger.Debugf(ctx, "initSession(%s)", size)
	defer func() { logger.Debugf(ctx, "/initSession(%s): %v", size, _err) }()

	t.frameNumber = 0
	t.forceKeyframe = false
	t.closeSession(ctx, true)

	if !size.IsValid() {
		return fmt.Errorf("%w: %w: %s", gpuencoder.ErrEncoderUnavailable, gpuencoder.ErrInvalidSize, size)
	}

	s, err := t.newSession(ctx, t.config, size)
	if err != nil {
		if !errors.Is(err, gpuencoder.ErrEncoderUnavailable) {
			err = fmt.Errorf("%w: %w", gpuencoder.ErrEncoderUnavailable, err)
		}
		return fmt.Errorf("unable to initialize a %s %s encoder: %w", t.config.Backend, size, err)
	}
	t.session = s
	t.size = size
	t.stats.Inits.Add(1)
	return nil
}

// closeSession closes the session; if flush is set the codec is flushed
// first and the remaining packets are discarded.
func (t *common) closeSession(
	ctx context.Context,
	flush bool,
) {
	if t.session == nil {
		return
	}
	logger.Debugf(ctx, "closeSession(flush:%t)", flush)
	defer logger.Debugf(ctx, "/closeSession(flush:%t)", flush)

	if flush {
		t.drainOnTeardown(ctx)
	}
	if err := t.session.Close(); err != nil {
		logger.Errorf(ctx, "unable to close the encoder: %v", err)
	}
	t.session = nil
	t.size = gpuencoder.Size{}
}

func (t *common) drainOnTeardown(ctx context.Context) {
	if err := t.session.SendEOF(ctx); err != nil {
		logger.Warnf(ctx, "unable to flush the encoder: %v", err)
		return
	}
	for {
		pkt, err := t.session.ReceivePacket(ctx)
		if err != nil {
			if !errors.Is(err, astiav.ErrEof) {
				logger.Warnf(ctx, "unable to drain the encoder: %v", err)
			}
			return
		}
		if pkt == nil {
			return
		}
		t.stats.PacketsDiscarded.Add(1)
	}
}

// encode stamps and submits the frame and collects at most
// MaxPacketsPerCycle packets. If the codec refuses the frame the session
// is dropped: it is not usable anymore.
func (t *common) encode(
	ctx context.Context,
	frame *encoder.Frame,
) (_ret []*gpuencoder.Packet, _err error) {
	logger.Tracef(ctx, "encode(%d, %t)", t.frameNumber, t.forceKeyframe)
	defer func() { logger.Tracef(ctx, "/encode: %d packets, %v", len(_ret), _err) }()

	frame.Stamp(t.frameNumber, t.forceKeyframe)
	if err := t.session.SendFrame(ctx, frame); err != nil {
		t.closeSession(ctx, false)
		return nil, fmt.Errorf("%w: %w", gpuencoder.ErrEncoderUnavailable, err)
	}
	t.stats.FramesSent.Add(1)

	var (
		packets    []*gpuencoder.Packet
		receiveErr error
	)
	for i := uint(0); i < t.config.MaxPacketsPerCycle; i++ {
		pkt, err := t.session.ReceivePacket(ctx)
		if err != nil {
			if !errors.Is(err, astiav.ErrEof) {
				receiveErr = err
			}
			break
		}
		if pkt == nil {
			break
		}
		packets = append(packets, pkt)
	}
	// the counter advances only when a packet came out, so frames submitted
	// while the codec is still buffering repeat the same PTS
	if len(packets) > 0 {
		t.frameNumber++
	}
	return packets, receiveErr
}
