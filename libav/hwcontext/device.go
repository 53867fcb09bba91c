// Package hwcontext builds the libav hardware device and frame contexts
// binding a CUDA device to the encoder's hardware frame pool.
package hwcontext

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
)

// DeviceCodecContextBuilder allocates the options of a hardware device
// context, lets the caller mutate them, and commits them on Build.
type DeviceCodecContextBuilder struct {
	deviceType astiav.HardwareDeviceType
	deviceName string
	options    *astiav.Dictionary
	flags      int
}

func NewDeviceCodecContextBuilder() *DeviceCodecContextBuilder {
	return &DeviceCodecContextBuilder{
		deviceType: astiav.HardwareDeviceTypeCUDA,
		options:    astiav.NewDictionary(),
	}
}

// SetCUDADevice binds the context to the primary context of the CUDA
// device with the given ordinal, the same context the interop and the
// flip kernel work in.
func (b *DeviceCodecContextBuilder) SetCUDADevice(ordinal int) *DeviceCodecContextBuilder {
	b.deviceName = strconv.Itoa(ordinal)
	b.SetOption("primary_ctx", "1")
	return b
}

// SetDeviceName overrides the device name passed to libav (for CUDA it
// is the device ordinal).
func (b *DeviceCodecContextBuilder) SetDeviceName(name string) *DeviceCodecContextBuilder {
	b.deviceName = name
	return b
}

func (b *DeviceCodecContextBuilder) DeviceName() string {
	return b.deviceName
}

func (b *DeviceCodecContextBuilder) SetOption(key, value string) *DeviceCodecContextBuilder {
	if err := b.options.Set(key, value, 0); err != nil {
		// only fails on OOM
		panic(fmt.Errorf("unable to set option '%s' to '%s': %w", key, value, err))
	}
	return b
}

func (b *DeviceCodecContextBuilder) SetFlags(flags int) *DeviceCodecContextBuilder {
	b.flags = flags
	return b
}

// Build creates and initializes the device context. The builder must not
// be used afterwards.
func (b *DeviceCodecContextBuilder) Build(ctx context.Context) (_ret *DeviceCodecContext, _err error) {
	logger.Debugf(ctx, "DeviceCodecContextBuilder.Build: %s '%s'", b.deviceType, b.deviceName)
	defer func() { logger.Debugf(ctx, "/DeviceCodecContextBuilder.Build: %v", _err) }()
	defer b.Close()

	hdc, err := astiav.CreateHardwareDeviceContext(b.deviceType, b.deviceName, b.options, b.flags)
	if err != nil {
		return nil, fmt.Errorf("unable to create a %s hardware device context for device '%s': %w", b.deviceType, b.deviceName, err)
	}
	return &DeviceCodecContext{
		hdc:      hdc,
		refCount: 1,
	}, nil
}

// Close releases the options; it is a no-op after Build.
func (b *DeviceCodecContextBuilder) Close() {
	if b.options == nil {
		return
	}
	b.options.Free()
	b.options = nil
}

// DeviceCodecContext is a reference-counted libav hardware device context.
// The creator holds the first reference; every co-owner (e.g. a
// DeviceFrameContext) takes its own with Ref.
type DeviceCodecContext struct {
	locker   sync.Mutex
	hdc      *astiav.HardwareDeviceContext
	refCount int
}

func (c *DeviceCodecContext) HardwareDeviceContext() *astiav.HardwareDeviceContext {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.hdc
}

func (c *DeviceCodecContext) Ref() *DeviceCodecContext {
	c.locker.Lock()
	defer c.locker.Unlock()
	if c.refCount == 0 {
		panic("referencing a released DeviceCodecContext")
	}
	c.refCount++
	return c
}

func (c *DeviceCodecContext) RefCount() int {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.refCount
}

func (c *DeviceCodecContext) IsReleased() bool {
	return c.RefCount() == 0
}

// Close drops one reference; the native context is freed with the last one.
func (c *DeviceCodecContext) Close() error {
	c.locker.Lock()
	defer c.locker.Unlock()
	if c.refCount == 0 {
		return nil
	}
	c.refCount--
	if c.refCount > 0 {
		return nil
	}
	c.hdc.Free()
	c.hdc = nil
	return nil
}
