package hwcontext

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
)

// DeviceFrameContextBuilder allocates an empty hardware frames context,
// lets the caller configure it in place, and initializes it on Build.
type DeviceFrameContextBuilder struct {
	device   *DeviceCodecContext
	hfc      *astiav.HardwareFramesContext
	width    uint32
	height   uint32
	format   astiav.PixelFormat
	swFormat astiav.PixelFormat
}

// NewDeviceFrameContextBuilder takes a reference to device; it is handed
// over to the built DeviceFrameContext or dropped by Close.
func NewDeviceFrameContextBuilder(device *DeviceCodecContext) (*DeviceFrameContextBuilder, error) {
	hfc := astiav.AllocHardwareFramesContext(device.HardwareDeviceContext())
	if hfc == nil {
		return nil, fmt.Errorf("unable to allocate a hardware frames context")
	}
	return &DeviceFrameContextBuilder{
		device: device.Ref(),
		hfc:    hfc,
	}, nil
}

func (b *DeviceFrameContextBuilder) SetWidth(width uint32) *DeviceFrameContextBuilder {
	b.hfc.SetWidth(int(width))
	b.width = width
	return b
}

func (b *DeviceFrameContextBuilder) SetHeight(height uint32) *DeviceFrameContextBuilder {
	b.hfc.SetHeight(int(height))
	b.height = height
	return b
}

// SetFormat sets the hardware pixel format, e.g. astiav.PixelFormatCuda.
func (b *DeviceFrameContextBuilder) SetFormat(format astiav.PixelFormat) *DeviceFrameContextBuilder {
	b.hfc.SetHardwarePixelFormat(format)
	b.format = format
	return b
}

// SetSWFormat sets the layout of the pixels inside the hardware frames.
func (b *DeviceFrameContextBuilder) SetSWFormat(format astiav.PixelFormat) *DeviceFrameContextBuilder {
	b.hfc.SetSoftwarePixelFormat(format)
	b.swFormat = format
	return b
}

func (b *DeviceFrameContextBuilder) SetInitialPoolSize(size uint) *DeviceFrameContextBuilder {
	b.hfc.SetInitialPoolSize(int(size))
	return b
}

// Build initializes the frames context. On success the native handle and
// the device reference move to the result; on failure they are released.
// Either way the builder must not be used afterwards.
func (b *DeviceFrameContextBuilder) Build(ctx context.Context) (_ret *DeviceFrameContext, _err error) {
	logger.Debugf(ctx, "DeviceFrameContextBuilder.Build")
	defer func() { logger.Debugf(ctx, "/DeviceFrameContextBuilder.Build: %v", _err) }()
	defer b.Close()

	if err := b.hfc.Initialize(); err != nil {
		return nil, fmt.Errorf("unable to initialize the hardware frames context (%dx%d, %s/%s): %w",
			b.width, b.height, b.format, b.swFormat, err)
	}

	result := &DeviceFrameContext{
		device:   b.device,
		hfc:      b.hfc,
		width:    b.width,
		height:   b.height,
		format:   b.format,
		swFormat: b.swFormat,
	}
	b.device = nil
	b.hfc = nil
	return result, nil
}

// Close releases whatever was not handed over by Build.
func (b *DeviceFrameContextBuilder) Close() {
	if b.hfc != nil {
		b.hfc.Free()
		b.hfc = nil
	}
	if b.device != nil {
		_ = b.device.Close()
		b.device = nil
	}
}

// DeviceFrameContext is an initialized hardware frame pool. It holds a
// reference to its DeviceCodecContext, so the device outlives it.
type DeviceFrameContext struct {
	device   *DeviceCodecContext
	hfc      *astiav.HardwareFramesContext
	width    uint32
	height   uint32
	format   astiav.PixelFormat
	swFormat astiav.PixelFormat
}

func (c *DeviceFrameContext) HardwareFramesContext() *astiav.HardwareFramesContext {
	return c.hfc
}

func (c *DeviceFrameContext) DeviceContext() *DeviceCodecContext {
	return c.device
}

func (c *DeviceFrameContext) Width() uint32 {
	return c.width
}

func (c *DeviceFrameContext) Height() uint32 {
	return c.height
}

func (c *DeviceFrameContext) Format() astiav.PixelFormat {
	return c.format
}

func (c *DeviceFrameContext) SWFormat() astiav.PixelFormat {
	return c.swFormat
}

func (c *DeviceFrameContext) IsReleased() bool {
	return c.hfc == nil
}

// GetBuffer attaches a hardware frame from the pool to frame.
func (c *DeviceFrameContext) GetBuffer(frame *astiav.Frame) error {
	if c.hfc == nil {
		return fmt.Errorf("the frame context is released")
	}
	if err := frame.AllocHardwareBuffer(c.hfc); err != nil {
		return fmt.Errorf("unable to get a hardware frame from the pool: %w", err)
	}
	return nil
}

// Close frees the pool and drops the device reference, exactly once.
func (c *DeviceFrameContext) Close() error {
	if c.hfc == nil {
		return nil
	}
	c.hfc.Free()
	c.hfc = nil
	err := c.device.Close()
	c.device = nil
	return err
}
