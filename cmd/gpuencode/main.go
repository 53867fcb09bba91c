package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/libav/encoder"
	"github.com/xaionaro-go/gpuencoder/libav/encodethread"
	"github.com/xaionaro-go/observability"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [options] <output.h264>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	configPath := pflag.String("config", "", "path to a YAML file with the encoder config")
	backendFlag := pflag.String("backend", "", "encoder backend: software or gpu_staged (overrides the config)")
	width := pflag.Uint32("width", 640, "frame width")
	height := pflag.Uint32("height", 480, "frame height")
	frameCount := pflag.Uint("frames", 120, "amount of frames to encode")
	keyframeEvery := pflag.Uint("keyframe-interval", 0, "force a keyframe every N frames (0 disables)")
	probeCUDA := pflag.Int("probe-cuda", -1, "only check if the CUDA device with this ordinal is usable")
	pflag.Parse()

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *probeCUDA >= 0 {
		dev, err := cuda.OpenDevice(ctx, *probeCUDA)
		if err != nil {
			l.Fatal(err)
		}
		fmt.Printf("CUDA device #%d is usable\n", dev.Ordinal)
		if err := dev.Close(); err != nil {
			l.Error(err)
		}
		return
	}

	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	if *netPprofAddr != "" {
		observability.Go(ctx, func() { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	cfg, err := readConfig(*configPath)
	if err != nil {
		l.Fatal(err)
	}
	if *backendFlag != "" {
		if err := cfg.Backend.UnmarshalText([]byte(*backendFlag)); err != nil {
			l.Fatal(err)
		}
	}
	size := gpuencoder.Size{Width: *width, Height: *height}

	f, err := os.Create(pflag.Arg(0))
	if err != nil {
		l.Fatal(err)
	}
	defer f.Close()

	slot := &encodethread.FrameSlot{}
	defer slot.Close(ctx)

	factory := &encodethread.Factory{Slot: slot}
	thread, err := factory.NewEncodeThread(ctx, cfg)
	if err != nil {
		l.Fatal(err)
	}

	writerDone := make(chan struct{})
	observability.Go(ctx, func() {
		defer close(writerDone)
		for out := range thread.Outputs() {
			switch out := out.(type) {
			case gpuencoder.OutputFrame:
				if _, err := f.Write(out.Packet.Data); err != nil {
					l.Errorf("unable to write %s: %v", out.Packet, err)
					cancelFn()
				}
			case gpuencoder.OutputError:
				l.Errorf("encoding error: %v", out.Err)
				if errors.Is(out.Err, gpuencoder.ErrEncoderUnavailable) {
					cancelFn()
				}
			}
		}
	})

	l.Debugf("initializing a %s %s encoder...", cfg.Backend, size)
	err = produce(ctx, thread, slot, cfg, size, *frameCount, *keyframeEvery)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.Error(err)
	}

	if err := thread.Close(); err != nil {
		l.Error(err)
	}
	<-writerDone
	if err := thread.Wait(context.Background()); err != nil {
		l.Error(err)
	}

	stats := thread.Stats()
	fmt.Printf("frames:%d packets:%d keyframes:%d bytes:%d errors:%d\n",
		stats.FramesSent, stats.PacketsEmitted, stats.KeyFramesEmitted, stats.BytesEmitted, stats.Errors)
}

// produce paints frameCount frames of slowly changing color into the slot
// and asks the thread to encode each of them.
func produce(
	ctx context.Context,
	thread gpuencoder.EncodeThread,
	slot *encodethread.FrameSlot,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
	frameCount uint,
	keyframeEvery uint,
) error {
	var painter framePainter
	switch cfg.Backend {
	case gpuencoder.BackendSoftware:
		conv, err := newConvertingPainter(size)
		if err != nil {
			return err
		}
		defer conv.Close()
		painter = conv
	case gpuencoder.BackendGPUStaged:
		painter = directPainter{}
	default:
		return fmt.Errorf("%w: %s requires a graphics context", gpuencoder.ErrUnsupportedBackend, cfg.Backend)
	}

	if err := sendCommand(ctx, thread, gpuencoder.CommandInit{Size: size}); err != nil {
		return err
	}
	for i := uint(0); i < frameCount; i++ {
		r, g, b := uint8(i*2), uint8(255-i*2), uint8(128+i)
		if err := paintSlot(ctx, slot, size, cfg.IdlePollInterval, func(frame *encoder.Frame) error {
			return painter.Paint(frame, r, g, b)
		}); err != nil {
			return fmt.Errorf("unable to paint frame %d: %w", i, err)
		}
		if keyframeEvery > 0 && i > 0 && i%keyframeEvery == 0 {
			if err := sendCommand(ctx, thread, gpuencoder.CommandForceKeyframe{}); err != nil {
				return err
			}
		}
		if err := sendCommand(ctx, thread, gpuencoder.CommandSendFrame{}); err != nil {
			return err
		}
	}
	return nil
}

func sendCommand(
	ctx context.Context,
	thread gpuencoder.EncodeThread,
	cmd gpuencoder.Command,
) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case thread.Commands() <- cmd:
		return nil
	}
}

// paintSlot waits until the thread put a frame of the expected size into
// the slot and paints it.
func paintSlot(
	ctx context.Context,
	slot *encodethread.FrameSlot,
	size gpuencoder.Size,
	pollInterval time.Duration,
	paint func(*encoder.Frame) error,
) error {
	errNotReady := errors.New("the frame is not allocated yet")
	for {
		err := slot.Do(ctx, func(frame *encoder.Frame) error {
			if frame == nil || frame.Size != size {
				return errNotReady
			}
			return paint(frame)
		})
		if !errors.Is(err, errNotReady) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
