package cuda

import (
	"context"
	"fmt"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
)

type loadedModule struct {
	module    Module
	functions map[string]Function
}

// Device is one CUDA device with its retained primary context and the
// modules loaded into it.
type Device struct {
	Driver  Driver
	Ordinal int

	handle     DeviceHandle
	primaryCtx Context

	locker   sync.Mutex
	modules  map[string]*loadedModule
	isClosed bool
}

// OpenDevice opens the device using the process-wide driver (see Lib).
func OpenDevice(
	ctx context.Context,
	ordinal int,
) (*Device, error) {
	drv, err := Lib()
	if err != nil {
		return nil, fmt.Errorf("unable to load the CUDA driver: %w", err)
	}
	return NewDevice(ctx, drv, ordinal)
}

func NewDevice(
	ctx context.Context,
	drv Driver,
	ordinal int,
) (_ret *Device, _err error) {
	logger.Debugf(ctx, "NewDevice(%d)", ordinal)
	defer func() { logger.Debugf(ctx, "/NewDevice(%d): %v", ordinal, _err) }()

	handle, err := drv.DeviceGet(ordinal)
	if err != nil {
		return nil, fmt.Errorf("unable to get CUDA device #%d: %w", ordinal, err)
	}

	primaryCtx, err := drv.DevicePrimaryCtxRetain(handle)
	if err != nil {
		return nil, fmt.Errorf("unable to retain the primary context of CUDA device #%d: %w", ordinal, err)
	}

	return &Device{
		Driver:     drv,
		Ordinal:    ordinal,
		handle:     handle,
		primaryCtx: primaryCtx,
		modules:    map[string]*loadedModule{},
	}, nil
}

func (d *Device) PrimaryContext() Context {
	return d.primaryCtx
}

// BindToThread makes the primary context current on the calling OS thread.
// The caller must have locked its goroutine to the thread
// (runtime.LockOSThread) and must issue every later call for this device
// from the same goroutine.
func (d *Device) BindToThread(ctx context.Context) error {
	logger.Tracef(ctx, "BindToThread(%d)", d.Ordinal)
	if err := d.Driver.CtxSetCurrent(d.primaryCtx); err != nil {
		return fmt.Errorf("unable to bind the context of CUDA device #%d to the thread: %w", d.Ordinal, err)
	}
	return nil
}

// AllocZeros allocates a zeroed buffer of count 32-bit elements.
func (d *Device) AllocZeros(
	ctx context.Context,
	count uint64,
) (_ret *Slice, _err error) {
	size := count * 4
	ptr, err := d.Driver.MemAlloc(size)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate %d bytes on CUDA device #%d: %w", size, d.Ordinal, err)
	}
	s := newSlice(ctx, d, ptr, size)
	defer func() {
		if _err != nil {
			_ = s.Free()
		}
	}()

	if err := d.Driver.MemsetD32(ptr, 0, count); err != nil {
		return nil, fmt.Errorf("unable to zero the buffer: %w", err)
	}
	return s, nil
}

// UpgradeDevicePtr wraps memory allocated elsewhere into an owning Slice.
// If the memory is not owned by the caller, Leak must be called on the
// result once it is no longer used, otherwise Free releases it.
func (d *Device) UpgradeDevicePtr(
	ctx context.Context,
	ptr DevicePtr,
	size uint64,
) *Slice {
	return newSlice(ctx, d, ptr, size)
}

// LoadPTX loads a compiled module under moduleName and resolves funcNames in it.
func (d *Device) LoadPTX(
	ctx context.Context,
	ptx []byte,
	moduleName string,
	funcNames []string,
) (_err error) {
	logger.Debugf(ctx, "LoadPTX(%s, %v)", moduleName, funcNames)
	defer func() { logger.Debugf(ctx, "/LoadPTX(%s, %v): %v", moduleName, funcNames, _err) }()

	d.locker.Lock()
	defer d.locker.Unlock()
	if d.isClosed {
		return fmt.Errorf("the device is closed")
	}
	if _, ok := d.modules[moduleName]; ok {
		return fmt.Errorf("module '%s' is already loaded", moduleName)
	}

	mod, err := d.Driver.ModuleLoadData(ptx)
	if err != nil {
		return fmt.Errorf("unable to load module '%s': %w", moduleName, err)
	}

	loaded := &loadedModule{
		module:    mod,
		functions: make(map[string]Function, len(funcNames)),
	}
	for _, name := range funcNames {
		fn, err := d.Driver.ModuleGetFunction(mod, name)
		if err != nil {
			if unloadErr := d.Driver.ModuleUnload(mod); unloadErr != nil {
				logger.Errorf(ctx, "unable to unload module '%s': %v", moduleName, unloadErr)
			}
			return fmt.Errorf("unable to get function '%s' from module '%s': %w", name, moduleName, err)
		}
		loaded.functions[name] = fn
	}
	d.modules[moduleName] = loaded
	return nil
}

func (d *Device) HasFunc(moduleName, funcName string) bool {
	_, ok := d.GetFunc(moduleName, funcName)
	return ok
}

func (d *Device) GetFunc(moduleName, funcName string) (Function, bool) {
	d.locker.Lock()
	defer d.locker.Unlock()
	mod, ok := d.modules[moduleName]
	if !ok {
		return 0, false
	}
	fn, ok := mod.functions[funcName]
	return fn, ok
}

// Launch launches fn on the default stream. *Slice arguments are passed
// as their device pointers.
func (d *Device) Launch(
	ctx context.Context,
	fn Function,
	cfg LaunchConfig,
	args ...any,
) error {
	logger.Tracef(ctx, "Launch(%v)", cfg)
	converted := make([]any, len(args))
	for i, arg := range args {
		if s, ok := arg.(*Slice); ok {
			arg = s.DevicePtr()
		}
		converted[i] = arg
	}
	if err := d.Driver.LaunchKernel(fn, cfg, DefaultStream, converted...); err != nil {
		return fmt.Errorf("unable to launch the kernel: %w", err)
	}
	return nil
}

// Memcpy2D enqueues a 2-D copy on the default stream; it is not complete
// until Synchronize returns.
func (d *Device) Memcpy2D(
	ctx context.Context,
	m *Memcpy2D,
) error {
	logger.Tracef(ctx, "Memcpy2D(%#+v)", *m)
	if err := d.Driver.Memcpy2DAsync(m, DefaultStream); err != nil {
		return fmt.Errorf("unable to copy: %w", err)
	}
	return nil
}

// Synchronize blocks until all the work enqueued on the default stream is done.
func (d *Device) Synchronize(ctx context.Context) error {
	logger.Tracef(ctx, "Synchronize")
	if err := d.Driver.StreamSynchronize(DefaultStream); err != nil {
		return fmt.Errorf("unable to synchronize the stream: %w", err)
	}
	return nil
}

// Close unloads the modules and releases the primary context.
func (d *Device) Close() error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if d.isClosed {
		return nil
	}
	d.isClosed = true

	var result *multierror.Error
	for name, mod := range d.modules {
		if err := d.Driver.ModuleUnload(mod.module); err != nil {
			result = multierror.Append(result, fmt.Errorf("unable to unload module '%s': %w", name, err))
		}
	}
	d.modules = nil
	if err := d.Driver.DevicePrimaryCtxRelease(d.handle); err != nil {
		result = multierror.Append(result, fmt.Errorf("unable to release the primary context: %w", err))
	}
	return result.ErrorOrNil()
}
