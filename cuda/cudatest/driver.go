// Package cudatest provides an in-memory cuda.Driver for tests.
//
// Device memory is host memory, OpenGL textures are registered with
// AddTexture, and kernels are Go functions registered with RegisterKernel.
package cudatest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xaionaro-go/gpuencoder/cuda"
)

// Kernel emulates a device function. It is called once per launch.
type Kernel func(d *Driver, cfg cuda.LaunchConfig, args []any) error

type Texture struct {
	Width  uint32
	Height uint32

	// Pixels are packed 32-bit, row-major, len == Width*Height.
	Pixels []uint32
}

type Launch struct {
	Function string
	Config   cuda.LaunchConfig
	Args     []any
}

type registration struct {
	image   uint32
	target  uint32
	flags   cuda.GraphicsRegisterFlags
	texture *Texture
	mapped  bool
	array   cuda.Array
}

type Driver struct {
	locker sync.Mutex

	nextHandle uint64

	allocations   map[cuda.DevicePtr][]byte
	textures      map[uint32]*Texture
	registrations map[cuda.GraphicsResource]*registration
	arrays        map[cuda.Array]*registration
	modules       map[cuda.Module]string
	functions     map[cuda.Function]string
	kernels       map[string]Kernel
	failures      map[string]error

	currentContext  cuda.Context
	primaryRetained int

	launches         []Launch
	syncCount        int
	registerCalls    int
	compiledPrograms int
}

var _ cuda.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{
		nextHandle:    0x1000,
		allocations:   map[cuda.DevicePtr][]byte{},
		textures:      map[uint32]*Texture{},
		registrations: map[cuda.GraphicsResource]*registration{},
		arrays:        map[cuda.Array]*registration{},
		modules:       map[cuda.Module]string{},
		functions:     map[cuda.Function]string{},
		kernels:       map[string]Kernel{},
		failures:      map[string]error{},
	}
}

func (d *Driver) newHandle() uint64 {
	d.nextHandle += 0x1000
	return d.nextHandle
}

// newAllocation never overlaps with other allocations or handles.
func (d *Driver) newAllocation(size uint64) cuda.DevicePtr {
	ptr := cuda.DevicePtr(d.newHandle())
	d.nextHandle += (size + 0xFFF) &^ 0xFFF
	d.allocations[ptr] = make([]byte, size)
	return ptr
}

// FailOn makes every call of the operation (e.g. "cuGraphicsMapResources")
// return err until ClearFailure is called.
func (d *Driver) FailOn(op string, err error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	d.failures[op] = err
}

func (d *Driver) ClearFailure(op string) {
	d.locker.Lock()
	defer d.locker.Unlock()
	delete(d.failures, op)
}

func (d *Driver) failure(op string) error {
	if err, ok := d.failures[op]; ok {
		return err
	}
	return nil
}

func (d *Driver) AddTexture(image uint32, tex *Texture) {
	d.locker.Lock()
	defer d.locker.Unlock()
	d.textures[image] = tex
}

func (d *Driver) RegisterKernel(name string, k Kernel) {
	d.locker.Lock()
	defer d.locker.Unlock()
	d.kernels[name] = k
}

// Registrations returns the amount of outstanding graphics registrations.
func (d *Driver) Registrations() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return len(d.registrations)
}

// RegisterCalls returns the amount of successful register calls ever made.
func (d *Driver) RegisterCalls() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.registerCalls
}

func (d *Driver) IsMapped(res cuda.GraphicsResource) bool {
	d.locker.Lock()
	defer d.locker.Unlock()
	reg, ok := d.registrations[res]
	return ok && reg.mapped
}

func (d *Driver) MappedCount() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	count := 0
	for _, reg := range d.registrations {
		if reg.mapped {
			count++
		}
	}
	return count
}

func (d *Driver) Allocations() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return len(d.allocations)
}

func (d *Driver) Launches() []Launch {
	d.locker.Lock()
	defer d.locker.Unlock()
	return append([]Launch{}, d.launches...)
}

func (d *Driver) SyncCount() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.syncCount
}

func (d *Driver) CurrentContext() cuda.Context {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.currentContext
}

func (d *Driver) PrimaryRetained() int {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.primaryRetained
}

// Alloc allocates memory outside of the code under test (e.g. a frame
// pool owned by someone else).
func (d *Driver) Alloc(size uint64) cuda.DevicePtr {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.newAllocation(size)
}

// memory returns the bytes starting at ptr; ptr may point inside an allocation.
func (d *Driver) memory(ptr cuda.DevicePtr, size uint64) ([]byte, error) {
	if buf, ok := d.allocations[ptr]; ok {
		if size > uint64(len(buf)) {
			return nil, cuda.NewDriverError("memory", cuda.ResultErrorInvalidValue)
		}
		return buf[:size], nil
	}
	for base, buf := range d.allocations {
		if ptr < base || uint64(ptr-base)+size > uint64(len(buf)) {
			continue
		}
		offset := uint64(ptr - base)
		return buf[offset : offset+size], nil
	}
	return nil, cuda.NewDriverError("memory", cuda.ResultErrorInvalidValue)
}

func (d *Driver) ReadUint32s(ptr cuda.DevicePtr, count uint64) ([]uint32, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	buf, err := d.memory(ptr, count*4)
	if err != nil {
		return nil, err
	}
	return bytesToUint32s(buf), nil
}

func (d *Driver) WriteUint32s(ptr cuda.DevicePtr, values []uint32) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	buf, err := d.memory(ptr, uint64(len(values))*4)
	if err != nil {
		return err
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return nil
}

func bytesToUint32s(buf []byte) []uint32 {
	result := make([]uint32, len(buf)/4)
	for i := range result {
		result[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return result
}

func (d *Driver) Init() error {
	d.locker.Lock()
	defer d.locker.Unlock()
	return d.failure("cuInit")
}

func (d *Driver) DeviceGet(ordinal int) (cuda.DeviceHandle, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuDeviceGet"); err != nil {
		return 0, err
	}
	if ordinal != 0 {
		return 0, cuda.NewDriverError("cuDeviceGet", cuda.ResultErrorInvalidDevice)
	}
	return cuda.DeviceHandle(ordinal), nil
}

func (d *Driver) DevicePrimaryCtxRetain(cuda.DeviceHandle) (cuda.Context, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuDevicePrimaryCtxRetain"); err != nil {
		return 0, err
	}
	d.primaryRetained++
	return cuda.Context(0xC0), nil
}

func (d *Driver) DevicePrimaryCtxRelease(cuda.DeviceHandle) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if d.primaryRetained == 0 {
		return cuda.NewDriverError("cuDevicePrimaryCtxRelease", cuda.ResultErrorInvalidContext)
	}
	d.primaryRetained--
	return nil
}

func (d *Driver) CtxSetCurrent(c cuda.Context) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuCtxSetCurrent"); err != nil {
		return err
	}
	d.currentContext = c
	return nil
}

func (d *Driver) MemAlloc(size uint64) (cuda.DevicePtr, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuMemAlloc"); err != nil {
		return 0, err
	}
	return d.newAllocation(size), nil
}

func (d *Driver) MemFree(ptr cuda.DevicePtr) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if _, ok := d.allocations[ptr]; !ok {
		return cuda.NewDriverError("cuMemFree", cuda.ResultErrorInvalidValue)
	}
	delete(d.allocations, ptr)
	return nil
}

func (d *Driver) MemsetD32(ptr cuda.DevicePtr, value uint32, count uint64) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	buf, err := d.memory(ptr, count*4)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], value)
	}
	return nil
}

func (d *Driver) MemcpyHtoD(dst cuda.DevicePtr, src []byte) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	buf, err := d.memory(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (d *Driver) MemcpyDtoH(dst []byte, src cuda.DevicePtr) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	buf, err := d.memory(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (d *Driver) Memcpy2DAsync(m *cuda.Memcpy2D, _ cuda.Stream) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuMemcpy2DAsync"); err != nil {
		return err
	}

	for y := uint64(0); y < m.Height; y++ {
		var src []byte
		switch m.SrcMemoryType {
		case cuda.MemoryTypeArray:
			reg, ok := d.arrays[m.SrcArray]
			if !ok || !reg.mapped {
				return cuda.NewDriverError("cuMemcpy2DAsync", cuda.ResultErrorInvalidHandle)
			}
			tex := reg.texture
			rowPitch := uint64(tex.Width) * 4
			if m.SrcY+y >= uint64(tex.Height) || m.SrcXInBytes+m.WidthInBytes > rowPitch {
				return cuda.NewDriverError("cuMemcpy2DAsync", cuda.ResultErrorInvalidValue)
			}
			row := tex.Pixels[(m.SrcY+y)*uint64(tex.Width) : (m.SrcY+y+1)*uint64(tex.Width)]
			src = make([]byte, rowPitch)
			for i, px := range row {
				binary.LittleEndian.PutUint32(src[i*4:], px)
			}
			src = src[m.SrcXInBytes : m.SrcXInBytes+m.WidthInBytes]
		case cuda.MemoryTypeDevice:
			var err error
			src, err = d.memory(m.SrcDevice+cuda.DevicePtr((m.SrcY+y)*m.SrcPitch+m.SrcXInBytes), m.WidthInBytes)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("the fake driver does not support source memory type %d", m.SrcMemoryType)
		}

		if m.DstMemoryType != cuda.MemoryTypeDevice {
			return fmt.Errorf("the fake driver does not support destination memory type %d", m.DstMemoryType)
		}
		dst, err := d.memory(m.DstDevice+cuda.DevicePtr((m.DstY+y)*m.DstPitch+m.DstXInBytes), m.WidthInBytes)
		if err != nil {
			return err
		}
		copy(dst, src)
	}
	return nil
}

func (d *Driver) StreamSynchronize(cuda.Stream) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuStreamSynchronize"); err != nil {
		return err
	}
	d.syncCount++
	return nil
}

// CompileProgram returns the source itself as the "PTX".
func (d *Driver) CompileProgram(source string, name string, _ []string) ([]byte, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("nvrtcCompileProgram"); err != nil {
		return nil, err
	}
	d.compiledPrograms++
	return append([]byte(source), 0), nil
}

func (d *Driver) ModuleLoadData(image []byte) (cuda.Module, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuModuleLoadData"); err != nil {
		return 0, err
	}
	mod := cuda.Module(d.newHandle())
	d.modules[mod] = strings.TrimRight(string(image), "\x00")
	return mod, nil
}

func (d *Driver) ModuleUnload(mod cuda.Module) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if _, ok := d.modules[mod]; !ok {
		return cuda.NewDriverError("cuModuleUnload", cuda.ResultErrorInvalidHandle)
	}
	delete(d.modules, mod)
	return nil
}

// ModuleGetFunction succeeds if the source declares the function and an
// emulation for it is registered.
func (d *Driver) ModuleGetFunction(mod cuda.Module, name string) (cuda.Function, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	source, ok := d.modules[mod]
	if !ok {
		return 0, cuda.NewDriverError("cuModuleGetFunction", cuda.ResultErrorInvalidHandle)
	}
	if _, ok := d.kernels[name]; !ok || !strings.Contains(source, name+"(") {
		return 0, cuda.NewDriverError("cuModuleGetFunction", cuda.ResultErrorNotFound)
	}
	fn := cuda.Function(d.newHandle())
	d.functions[fn] = name
	return fn, nil
}

func (d *Driver) LaunchKernel(fn cuda.Function, cfg cuda.LaunchConfig, _ cuda.Stream, args ...any) error {
	d.locker.Lock()
	if err := d.failure("cuLaunchKernel"); err != nil {
		d.locker.Unlock()
		return err
	}
	name, ok := d.functions[fn]
	if !ok {
		d.locker.Unlock()
		return cuda.NewDriverError("cuLaunchKernel", cuda.ResultErrorInvalidHandle)
	}
	kernel := d.kernels[name]
	d.launches = append(d.launches, Launch{Function: name, Config: cfg, Args: args})
	d.locker.Unlock()

	return kernel(d, cfg, args)
}

func (d *Driver) GraphicsGLRegisterImage(image uint32, target uint32, flags cuda.GraphicsRegisterFlags) (cuda.GraphicsResource, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuGraphicsGLRegisterImage"); err != nil {
		return 0, err
	}
	tex, ok := d.textures[image]
	if !ok {
		return 0, cuda.NewDriverError("cuGraphicsGLRegisterImage", cuda.ResultErrorInvalidValue)
	}
	res := cuda.GraphicsResource(d.newHandle())
	d.registrations[res] = &registration{
		image:   image,
		target:  target,
		flags:   flags,
		texture: tex,
	}
	d.registerCalls++
	return res, nil
}

func (d *Driver) GraphicsUnregisterResource(res cuda.GraphicsResource) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuGraphicsUnregisterResource"); err != nil {
		return err
	}
	reg, ok := d.registrations[res]
	if !ok {
		return cuda.NewDriverError("cuGraphicsUnregisterResource", cuda.ResultErrorInvalidHandle)
	}
	if reg.mapped {
		delete(d.arrays, reg.array)
	}
	delete(d.registrations, res)
	return nil
}

func (d *Driver) GraphicsMapResources(res cuda.GraphicsResource, _ cuda.Stream) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuGraphicsMapResources"); err != nil {
		return err
	}
	reg, ok := d.registrations[res]
	if !ok {
		return cuda.NewDriverError("cuGraphicsMapResources", cuda.ResultErrorInvalidHandle)
	}
	if reg.mapped {
		return cuda.NewDriverError("cuGraphicsMapResources", cuda.ResultErrorAlreadyMapped)
	}
	reg.mapped = true
	reg.array = cuda.Array(d.newHandle())
	d.arrays[reg.array] = reg
	return nil
}

func (d *Driver) GraphicsUnmapResources(res cuda.GraphicsResource, _ cuda.Stream) error {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuGraphicsUnmapResources"); err != nil {
		return err
	}
	reg, ok := d.registrations[res]
	if !ok {
		return cuda.NewDriverError("cuGraphicsUnmapResources", cuda.ResultErrorInvalidHandle)
	}
	if !reg.mapped {
		return cuda.NewDriverError("cuGraphicsUnmapResources", cuda.ResultErrorNotMapped)
	}
	reg.mapped = false
	delete(d.arrays, reg.array)
	reg.array = 0
	return nil
}

func (d *Driver) GraphicsSubResourceGetMappedArray(res cuda.GraphicsResource, arrayIndex uint32, mipLevel uint32) (cuda.Array, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	if err := d.failure("cuGraphicsSubResourceGetMappedArray"); err != nil {
		return 0, err
	}
	reg, ok := d.registrations[res]
	if !ok {
		return 0, cuda.NewDriverError("cuGraphicsSubResourceGetMappedArray", cuda.ResultErrorInvalidHandle)
	}
	if !reg.mapped {
		return 0, cuda.NewDriverError("cuGraphicsSubResourceGetMappedArray", cuda.ResultErrorNotMapped)
	}
	if arrayIndex != 0 || mipLevel != 0 {
		return 0, cuda.NewDriverError("cuGraphicsSubResourceGetMappedArray", cuda.ResultErrorInvalidValue)
	}
	return reg.array, nil
}

// GraphicsResourceGetMappedPointer always fails: textures map only as arrays.
func (d *Driver) GraphicsResourceGetMappedPointer(res cuda.GraphicsResource) (cuda.DevicePtr, uint64, error) {
	d.locker.Lock()
	defer d.locker.Unlock()
	reg, ok := d.registrations[res]
	if !ok {
		return 0, 0, cuda.NewDriverError("cuGraphicsResourceGetMappedPointer", cuda.ResultErrorInvalidHandle)
	}
	if !reg.mapped {
		return 0, 0, cuda.NewDriverError("cuGraphicsResourceGetMappedPointer", cuda.ResultErrorNotMapped)
	}
	return 0, 0, cuda.NewDriverError("cuGraphicsResourceGetMappedPointer", cuda.ResultErrorNotMappedAsPointer)
}

// RegisteredImages returns the texture ids with an outstanding registration.
func (d *Driver) RegisteredImages() []uint32 {
	d.locker.Lock()
	defer d.locker.Unlock()
	var result []uint32
	for _, reg := range d.registrations {
		result = append(result, reg.image)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
