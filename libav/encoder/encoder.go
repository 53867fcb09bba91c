// Package encoder wraps a libav H.264 encoding session behind one
// send-frame/receive-packet contract for every backend.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/libav/hwcontext"
)

const (
	CodecNameSoftware = "libx264"
	CodecNameHardware = "h264_nvenc"
)

// Variant is the backend of an Encoder. The set is closed: VariantSoftware,
// VariantGPUStaged and VariantGPUResident.
type Variant interface {
	Backend() gpuencoder.Backend
	variant()
}

type VariantSoftware struct{}

func (VariantSoftware) Backend() gpuencoder.Backend { return gpuencoder.BackendSoftware }
func (VariantSoftware) variant()                    {}

// VariantGPUStaged takes packed RGB frames from host memory; the codec
// uploads them to the GPU itself.
type VariantGPUStaged struct{}

func (VariantGPUStaged) Backend() gpuencoder.Backend { return gpuencoder.BackendGPUStaged }
func (VariantGPUStaged) variant()                    {}

// VariantGPUResident takes frames already in device memory, from the
// frame pool it owns.
type VariantGPUResident struct {
	DeviceContext *hwcontext.DeviceCodecContext
	FrameContext  *hwcontext.DeviceFrameContext
}

func (VariantGPUResident) Backend() gpuencoder.Backend { return gpuencoder.BackendGPUResident }
func (VariantGPUResident) variant()                    {}

// Encoder is one encoding session. Its Variant never changes: a different
// backend or frame size requires a new Encoder.
type Encoder struct {
	Variant      Variant
	Size         gpuencoder.Size
	Config       gpuencoder.EncoderConfig
	Codec        *astiav.Codec
	CodecContext *astiav.CodecContext

	packet   *astiav.Packet
	closer   astikit.Closer
	isClosed bool
}

// New builds the encoder of the configured backend. device is used only
// by the GPU-resident backend.
func New(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
	device *cuda.Device,
) (*Encoder, error) {
	switch cfg.Backend {
	case gpuencoder.BackendSoftware:
		return NewSoftware(ctx, cfg, size)
	case gpuencoder.BackendGPUStaged:
		return NewGPUStaged(ctx, cfg, size)
	case gpuencoder.BackendGPUResident:
		if device == nil {
			return nil, fmt.Errorf("the GPU-resident backend requires a CUDA device")
		}
		return NewGPUResident(ctx, cfg, size, device.Ordinal)
	default:
		return nil, fmt.Errorf("%w: %s", gpuencoder.ErrUnsupportedBackend, cfg.Backend)
	}
}

// The tunings trade compression for latency. NVENC turns a forced
// I-picture into a non-IDR intra frame (not flagged as key) unless
// forced-idr is set, so every tuning sets it.
var (
	softwareTuning = gpuencoder.DictionaryItems{
		{Key: "tune", Value: "zerolatency"},
		{Key: "preset", Value: "veryfast"},
		{Key: "profile", Value: "main"},
		{Key: "crf", Value: "43"},
		{Key: "crf_max", Value: "48"},
		{Key: "forced-idr", Value: "1"},
	}
	gpuStagedTuning = gpuencoder.DictionaryItems{
		{Key: "qmin", Value: "37"},
		{Key: "qmax", Value: "33"},
		{Key: "tune", Value: "ull"},
		{Key: "preset", Value: "p1"},
		{Key: "profile", Value: "main"},
		{Key: "rc", Value: "vbr"},
		{Key: "qp", Value: "35"},
		{Key: "forced-idr", Value: "1"},
		{Key: "delay", Value: "0"},
		{Key: "zerolatency", Value: "1"},
	}
	gpuResidentTuning = gpuencoder.DictionaryItems{
		{Key: "qmin", Value: "35"},
		{Key: "qmax", Value: "38"},
		{Key: "tune", Value: "ull"},
		{Key: "preset", Value: "p1"},
		{Key: "profile", Value: "main"},
		{Key: "rc", Value: "vbr"},
		{Key: "qp", Value: "35"},
		{Key: "forced-idr", Value: "1"},
		{Key: "delay", Value: "0"},
		{Key: "zerolatency", Value: "1"},
	}
)

// NewSoftware builds a libx264 encoder on planar YUV 4:2:0 frames.
func NewSoftware(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
) (_ret *Encoder, _err error) {
	logger.Debugf(ctx, "NewSoftware(%s)", size)
	defer func() { logger.Debugf(ctx, "/NewSoftware(%s): %v", size, _err) }()

	e, err := newEncoder(ctx, VariantSoftware{}, cfg, size, CodecNameSoftware)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	e.CodecContext.SetPixelFormat(astiav.PixelFormatYuv420P)

	// frame-level threading buffers one frame per thread
	e.CodecContext.SetThreadType(astiav.ThreadTypeSlice)
	e.CodecContext.SetThreadCount(softwareThreadCount(cfg))

	err = e.open(ctx, softwareTuning)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func softwareThreadCount(cfg gpuencoder.EncoderConfig) int {
	if v, ok := gpuencoder.GetCustomOption[gpuencoder.CustomOptionThreadCount](cfg.CustomOptions); ok && v > 0 {
		return int(v)
	}
	return max(runtime.NumCPU()/8, 1)
}

// NewGPUStaged builds an NVENC encoder on packed 32-bit RGB host frames.
func NewGPUStaged(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
) (_ret *Encoder, _err error) {
	logger.Debugf(ctx, "NewGPUStaged(%s)", size)
	defer func() { logger.Debugf(ctx, "/NewGPUStaged(%s): %v", size, _err) }()

	e, err := newEncoder(ctx, VariantGPUStaged{}, cfg, size, CodecNameHardware)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	e.CodecContext.SetPixelFormat(PixelFormatPackedRGB)

	err = e.open(ctx, gpuStagedTuning)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewGPUResident builds an NVENC encoder on CUDA frames from its own pool,
// on the primary context of the given CUDA device.
func NewGPUResident(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
	cudaOrdinal int,
) (_ret *Encoder, _err error) {
	logger.Debugf(ctx, "NewGPUResident(%s, %d)", size, cudaOrdinal)
	defer func() { logger.Debugf(ctx, "/NewGPUResident(%s, %d): %v", size, cudaOrdinal, _err) }()

	if !size.IsValid() {
		return nil, fmt.Errorf("%w: %s", gpuencoder.ErrInvalidSize, size)
	}

	deviceCtxBuilder := hwcontext.NewDeviceCodecContextBuilder().SetCUDADevice(cudaOrdinal)
	if v, ok := gpuencoder.GetCustomOption[gpuencoder.CustomOptionDeviceName](cfg.CustomOptions); ok && v != "" {
		deviceCtxBuilder.SetDeviceName(string(v))
	}
	deviceCtx, err := deviceCtxBuilder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create the CUDA device context: %w", gpuencoder.ErrEncoderUnavailable, err)
	}

	frameCtxBuilder, err := hwcontext.NewDeviceFrameContextBuilder(deviceCtx)
	if err != nil {
		_ = deviceCtx.Close()
		return nil, fmt.Errorf("%w: unable to create the CUDA frame context: %w", gpuencoder.ErrEncoderUnavailable, err)
	}
	frameCtxBuilder.
		SetWidth(size.Width).
		SetHeight(size.Height).
		SetSWFormat(PixelFormatPackedRGBResident).
		SetFormat(astiav.PixelFormatCuda)
	if v, ok := gpuencoder.GetCustomOption[gpuencoder.CustomOptionFramePoolSize](cfg.CustomOptions); ok {
		frameCtxBuilder.SetInitialPoolSize(uint(v))
	}
	frameCtx, err := frameCtxBuilder.Build(ctx)
	if err != nil {
		_ = deviceCtx.Close()
		return nil, fmt.Errorf("%w: unable to create the CUDA frame context: %w", gpuencoder.ErrEncoderUnavailable, err)
	}

	variant := VariantGPUResident{
		DeviceContext: deviceCtx,
		FrameContext:  frameCtx,
	}
	e, err := newEncoder(ctx, variant, cfg, size, CodecNameHardware, deviceCtx.Close, frameCtx.Close)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	e.CodecContext.SetPixelFormat(astiav.PixelFormatCuda)
	e.CodecContext.SetHardwareDeviceContext(variant.DeviceContext.HardwareDeviceContext())
	e.CodecContext.SetHardwareFramesContext(variant.FrameContext.HardwareFramesContext())

	err = e.open(ctx, gpuResidentTuning)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// newEncoder allocates the codec context with the parameters shared by
// every backend: size, rates, an infinite GOP and no B-frames.
//
// The encoder takes over owned (closed in reverse order, after the codec
// context), even if it fails.
func newEncoder(
	ctx context.Context,
	variant Variant,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
	defaultCodecName string,
	owned ...func() error,
) (_ret *Encoder, _err error) {
	cfg = cfg.WithDefaults()
	e := &Encoder{
		Variant: variant,
		Size:    size,
		Config:  cfg,
	}
	for _, closeFn := range owned {
		e.closer.AddWithError(closeFn)
	}
	defer func() {
		if _err != nil {
			_ = e.Close()
		}
	}()

	if !size.IsValid() {
		return nil, fmt.Errorf("%w: %s", gpuencoder.ErrInvalidSize, size)
	}

	codecName := cfg.CodecName
	if codecName == "" {
		codecName = defaultCodecName
	}

	e.Codec = astiav.FindEncoderByName(codecName)
	if e.Codec == nil {
		return nil, fmt.Errorf("%w: unable to find encoder '%s'", gpuencoder.ErrEncoderUnavailable, codecName)
	}

	e.CodecContext = astiav.AllocCodecContext(e.Codec)
	if e.CodecContext == nil {
		return nil, fmt.Errorf("unable to allocate a codec context for '%s'", codecName)
	}
	e.closer.Add(e.CodecContext.Free)

	e.packet = astiav.AllocPacket()
	e.closer.Add(e.packet.Free)

	frameRate := int(cfg.FrameRate)
	e.CodecContext.SetWidth(int(size.Width))
	e.CodecContext.SetHeight(int(size.Height))
	e.CodecContext.SetTimeBase(astiav.NewRational(1, frameRate))
	e.CodecContext.SetFramerate(astiav.NewRational(frameRate, 1))
	e.CodecContext.SetBitRate(int64(cfg.AverageBitrate()))
	e.CodecContext.SetGopSize(math.MaxInt32)
	e.CodecContext.SetMaxBFrames(0)
	return e, nil
}

// open opens the codec with the backend tuning, then the configured
// codec options on top of it; the peak bitrate goes through the
// dictionary as "maxrate".
func (e *Encoder) open(
	ctx context.Context,
	tuning gpuencoder.DictionaryItems,
) (_err error) {
	items := make(gpuencoder.DictionaryItems, 0, len(tuning)+len(e.Config.CodecOptions)+1)
	items = append(items, gpuencoder.DictionaryItem{Key: "maxrate", Value: strconv.FormatUint(e.Config.Bitrate, 10)})
	items = append(items, tuning...)
	items = append(items, e.Config.CodecOptions...)

	options := astiav.NewDictionary()
	defer options.Free()
	for _, item := range items {
		if err := options.Set(item.Key, item.Value, 0); err != nil {
			return fmt.Errorf("unable to set codec option '%s' to '%s': %w", item.Key, item.Value, err)
		}
	}

	if logger.FromCtx(ctx).Level() >= logger.LevelTrace {
		logger.Tracef(ctx, "opening %s with %s", e.Codec.Name(), spew.Sdump(items))
	}

	if err := e.CodecContext.Open(e.Codec, options); err != nil {
		return fmt.Errorf("%w: unable to open %s for %s: %w", gpuencoder.ErrEncoderUnavailable, e.Codec.Name(), e.Variant.Backend(), err)
	}
	return nil
}

// PixelFormat is the format of the frames CreateFrame returns.
func (e *Encoder) PixelFormat() astiav.PixelFormat {
	return e.CodecContext.PixelFormat()
}

func (e *Encoder) Backend() gpuencoder.Backend {
	return e.Variant.Backend()
}

func (e *Encoder) IsHardware() bool {
	switch e.Variant.(type) {
	case VariantSoftware:
		return false
	case VariantGPUStaged, VariantGPUResident:
		return true
	default:
		panic(fmt.Errorf("unexpected variant %T", e.Variant))
	}
}

// CreateFrame returns a frame this encoder accepts. GPU-resident frames
// come from the frame pool, with the row stride fixed to width*4 bytes
// since the pool does not set it the way the copy into it expects.
func (e *Encoder) CreateFrame(ctx context.Context) (_ret *Frame, _err error) {
	logger.Debugf(ctx, "CreateFrame(%s)", e.Size)
	defer func() { logger.Debugf(ctx, "/CreateFrame(%s): %v", e.Size, _err) }()

	switch v := e.Variant.(type) {
	case VariantSoftware, VariantGPUStaged:
		return newSoftwareFrame(e.Size, e.CodecContext.PixelFormat())
	case VariantGPUResident:
		f := astiav.AllocFrame()
		if f == nil {
			return nil, fmt.Errorf("unable to allocate a frame")
		}
		if err := v.FrameContext.GetBuffer(f); err != nil {
			f.Free()
			return nil, err
		}
		pitch := int(e.Size.Width) * 4
		frameSetLinesize0(f, pitch)
		return &Frame{
			Frame:     f,
			Size:      e.Size,
			Format:    astiav.PixelFormatCuda,
			DevicePtr: frameDevicePtr(f),
			Pitch:     pitch,
		}, nil
	default:
		panic(fmt.Errorf("unexpected variant %T", e.Variant))
	}
}

// SendFrame submits a frame. A failure means the session is unusable.
func (e *Encoder) SendFrame(ctx context.Context, frame *Frame) error {
	logger.Tracef(ctx, "SendFrame(%s)", frame)
	if err := e.CodecContext.SendFrame(frame.Frame); err != nil {
		return fmt.Errorf("unable to send %s to %s: %w", frame, e.Codec.Name(), err)
	}
	return nil
}

// SendEOF starts flushing; it is meant only for the teardown.
func (e *Encoder) SendEOF(ctx context.Context) error {
	logger.Debugf(ctx, "SendEOF")
	if err := e.CodecContext.SendFrame(nil); err != nil {
		return fmt.Errorf("unable to flush %s: %w", e.Codec.Name(), err)
	}
	return nil
}

// ReceivePacket polls the codec once. If the codec needs more input it
// returns (nil, nil): not an error, just no packet this cycle. After a
// flush the end of the stream is reported as an error matching astiav.ErrEof.
func (e *Encoder) ReceivePacket(ctx context.Context) (*gpuencoder.Packet, error) {
	err := e.CodecContext.ReceivePacket(e.packet)
	switch {
	case err == nil:
	case errors.Is(err, astiav.ErrEagain):
		return nil, nil
	default:
		return nil, fmt.Errorf("unable to receive a packet from %s: %w", e.Codec.Name(), err)
	}
	defer e.packet.Unref()

	pkt := &gpuencoder.Packet{
		Data:       append([]byte(nil), e.packet.Data()...),
		PTS:        e.packet.Pts(),
		DTS:        e.packet.Dts(),
		IsKeyFrame: e.packet.Flags().Has(astiav.PacketFlagKey),
	}
	logger.Tracef(ctx, "ReceivePacket: %s", pkt)
	return pkt, nil
}

// Close frees the codec context, then the frame pool, then the device
// context.
func (e *Encoder) Close() error {
	if e.isClosed {
		return nil
	}
	e.isClosed = true
	return e.closer.Close()
}
