//go:build with_cuda
// +build with_cuda

package cuda

/*
#cgo CFLAGS: -I/usr/local/cuda/include
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcuda -lnvrtc
#include <stdlib.h>
#include <stdint.h>
#include <GL/gl.h>
#include <cuda.h>
#include <cudaGL.h>
#include <nvrtc.h>
*/
import "C"
import (
	"fmt"
	"unsafe"
)

type nativeDriver struct{}

var _ Driver = nativeDriver{}

func loadLib() (Driver, error) {
	drv := nativeDriver{}
	if err := drv.Init(); err != nil {
		return nil, err
	}
	return drv, nil
}

func check(op string, r C.CUresult) error {
	if r == C.CUDA_SUCCESS {
		return nil
	}
	var name *C.char
	C.cuGetErrorName(r, &name)
	return &DriverError{
		Op:   op,
		Code: Result(r),
		Name: C.GoString(name),
	}
}

type NVRTCError struct {
	Op   string
	Code int
	Log  string
}

func (e *NVRTCError) Error() string {
	if e.Log == "" {
		return fmt.Sprintf("%s failed: NVRTC error %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed: NVRTC error %d:\n%s", e.Op, e.Code, e.Log)
}

func cContext(c Context) C.CUcontext {
	return C.CUcontext(unsafe.Pointer(uintptr(c)))
}

func cStream(s Stream) C.CUstream {
	return C.CUstream(unsafe.Pointer(uintptr(s)))
}

func cArray(a Array) C.CUarray {
	return C.CUarray(unsafe.Pointer(uintptr(a)))
}

func cResource(r GraphicsResource) C.CUgraphicsResource {
	return C.CUgraphicsResource(unsafe.Pointer(uintptr(r)))
}

func cModule(m Module) C.CUmodule {
	return C.CUmodule(unsafe.Pointer(uintptr(m)))
}

func cFunction(f Function) C.CUfunction {
	return C.CUfunction(unsafe.Pointer(uintptr(f)))
}

func (nativeDriver) Init() error {
	return check("cuInit", C.cuInit(0))
}

func (nativeDriver) DeviceGet(ordinal int) (DeviceHandle, error) {
	var dev C.CUdevice
	if err := check("cuDeviceGet", C.cuDeviceGet(&dev, C.int(ordinal))); err != nil {
		return 0, err
	}
	return DeviceHandle(dev), nil
}

func (nativeDriver) DevicePrimaryCtxRetain(dev DeviceHandle) (Context, error) {
	var c C.CUcontext
	if err := check("cuDevicePrimaryCtxRetain", C.cuDevicePrimaryCtxRetain(&c, C.CUdevice(dev))); err != nil {
		return 0, err
	}
	return Context(uintptr(unsafe.Pointer(c))), nil
}

func (nativeDriver) DevicePrimaryCtxRelease(dev DeviceHandle) error {
	return check("cuDevicePrimaryCtxRelease", C.cuDevicePrimaryCtxRelease_v2(C.CUdevice(dev)))
}

func (nativeDriver) CtxSetCurrent(c Context) error {
	return check("cuCtxSetCurrent", C.cuCtxSetCurrent(cContext(c)))
}

func (nativeDriver) MemAlloc(size uint64) (DevicePtr, error) {
	var ptr C.CUdeviceptr
	if err := check("cuMemAlloc", C.cuMemAlloc_v2(&ptr, C.size_t(size))); err != nil {
		return 0, err
	}
	return DevicePtr(ptr), nil
}

func (nativeDriver) MemFree(ptr DevicePtr) error {
	return check("cuMemFree", C.cuMemFree_v2(C.CUdeviceptr(ptr)))
}

func (nativeDriver) MemsetD32(ptr DevicePtr, value uint32, count uint64) error {
	return check("cuMemsetD32", C.cuMemsetD32_v2(C.CUdeviceptr(ptr), C.uint(value), C.size_t(count)))
}

func (nativeDriver) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return check("cuMemcpyHtoD", C.cuMemcpyHtoD_v2(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

func (nativeDriver) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return check("cuMemcpyDtoH", C.cuMemcpyDtoH_v2(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))))
}

func (nativeDriver) Memcpy2DAsync(m *Memcpy2D, stream Stream) error {
	var c C.CUDA_MEMCPY2D

	c.srcXInBytes = C.size_t(m.SrcXInBytes)
	c.srcY = C.size_t(m.SrcY)
	c.srcMemoryType = C.CUmemorytype(m.SrcMemoryType)
	c.srcDevice = C.CUdeviceptr(m.SrcDevice)
	c.srcArray = cArray(m.SrcArray)
	c.srcPitch = C.size_t(m.SrcPitch)

	c.dstXInBytes = C.size_t(m.DstXInBytes)
	c.dstY = C.size_t(m.DstY)
	c.dstMemoryType = C.CUmemorytype(m.DstMemoryType)
	c.dstDevice = C.CUdeviceptr(m.DstDevice)
	c.dstArray = cArray(m.DstArray)
	c.dstPitch = C.size_t(m.DstPitch)

	c.WidthInBytes = C.size_t(m.WidthInBytes)
	c.Height = C.size_t(m.Height)

	return check("cuMemcpy2DAsync", C.cuMemcpy2DAsync_v2(&c, cStream(stream)))
}

func (nativeDriver) StreamSynchronize(stream Stream) error {
	return check("cuStreamSynchronize", C.cuStreamSynchronize(cStream(stream)))
}

func nvrtcProgramLog(prog C.nvrtcProgram) string {
	var size C.size_t
	if C.nvrtcGetProgramLogSize(prog, &size) != C.NVRTC_SUCCESS || size <= 1 {
		return ""
	}
	buf := make([]byte, size)
	if C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&buf[0]))) != C.NVRTC_SUCCESS {
		return ""
	}
	return string(buf[:size-1])
}

func (nativeDriver) CompileProgram(
	source string,
	name string,
	options []string,
) (_ret []byte, _err error) {
	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var prog C.nvrtcProgram
	if r := C.nvrtcCreateProgram(&prog, cSource, cName, 0, nil, nil); r != C.NVRTC_SUCCESS {
		return nil, &NVRTCError{Op: "nvrtcCreateProgram", Code: int(r)}
	}
	defer C.nvrtcDestroyProgram(&prog)

	cOptions := make([]*C.char, len(options))
	for i, opt := range options {
		cOptions[i] = C.CString(opt)
	}
	defer func() {
		for _, opt := range cOptions {
			C.free(unsafe.Pointer(opt))
		}
	}()

	var cOptionsPtr **C.char
	if len(cOptions) > 0 {
		cOptionsPtr = (**C.char)(unsafe.Pointer(&cOptions[0]))
	}
	if r := C.nvrtcCompileProgram(prog, C.int(len(cOptions)), cOptionsPtr); r != C.NVRTC_SUCCESS {
		return nil, &NVRTCError{Op: "nvrtcCompileProgram", Code: int(r), Log: nvrtcProgramLog(prog)}
	}

	var size C.size_t
	if r := C.nvrtcGetPTXSize(prog, &size); r != C.NVRTC_SUCCESS {
		return nil, &NVRTCError{Op: "nvrtcGetPTXSize", Code: int(r)}
	}
	ptx := make([]byte, size)
	if size == 0 {
		return ptx, nil
	}
	if r := C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0]))); r != C.NVRTC_SUCCESS {
		return nil, &NVRTCError{Op: "nvrtcGetPTX", Code: int(r)}
	}
	return ptx, nil
}

func (nativeDriver) ModuleLoadData(image []byte) (Module, error) {
	if len(image) == 0 || image[len(image)-1] != 0 {
		image = append(image[:len(image):len(image)], 0)
	}
	cImage := C.CBytes(image)
	defer C.free(cImage)

	var mod C.CUmodule
	if err := check("cuModuleLoadData", C.cuModuleLoadData(&mod, cImage)); err != nil {
		return 0, err
	}
	return Module(uintptr(unsafe.Pointer(mod))), nil
}

func (nativeDriver) ModuleUnload(mod Module) error {
	return check("cuModuleUnload", C.cuModuleUnload(cModule(mod)))
}

func (nativeDriver) ModuleGetFunction(mod Module, name string) (Function, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var fn C.CUfunction
	if err := check("cuModuleGetFunction", C.cuModuleGetFunction(&fn, cModule(mod), cName)); err != nil {
		return 0, err
	}
	return Function(uintptr(unsafe.Pointer(fn))), nil
}

// kernelArgSize is the size of the C storage allocated per kernel argument.
const kernelArgSize = 8

func (nativeDriver) LaunchKernel(
	fn Function,
	cfg LaunchConfig,
	stream Stream,
	args ...any,
) error {
	// cuLaunchKernel copies the argument values at launch time, so
	// the storage may be freed right after the call.
	var params unsafe.Pointer
	if len(args) > 0 {
		params = C.malloc(C.size_t(len(args)) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(params)
	}
	paramPtrs := unsafe.Slice((*unsafe.Pointer)(params), len(args))
	for i, arg := range args {
		value := C.malloc(kernelArgSize)
		defer C.free(value)
		switch arg := arg.(type) {
		case DevicePtr:
			*(*uint64)(value) = uint64(arg)
		case uint64:
			*(*uint64)(value) = arg
		case int64:
			*(*int64)(value) = arg
		case uint32:
			*(*uint32)(value) = arg
		case int32:
			*(*int32)(value) = arg
		case float32:
			*(*float32)(value) = arg
		default:
			return fmt.Errorf("unsupported kernel argument #%d of type %T", i, arg)
		}
		paramPtrs[i] = value
	}

	return check("cuLaunchKernel", C.cuLaunchKernel(
		cFunction(fn),
		C.uint(cfg.GridDim.X), C.uint(cfg.GridDim.Y), C.uint(cfg.GridDim.Z),
		C.uint(cfg.BlockDim.X), C.uint(cfg.BlockDim.Y), C.uint(cfg.BlockDim.Z),
		C.uint(cfg.SharedMemBytes),
		cStream(stream),
		(*unsafe.Pointer)(params),
		nil,
	))
}

func (nativeDriver) GraphicsGLRegisterImage(
	image uint32,
	target uint32,
	flags GraphicsRegisterFlags,
) (GraphicsResource, error) {
	var res C.CUgraphicsResource
	err := check("cuGraphicsGLRegisterImage", C.cuGraphicsGLRegisterImage(&res, C.GLuint(image), C.GLenum(target), C.uint(flags)))
	if err != nil {
		return 0, err
	}
	return GraphicsResource(uintptr(unsafe.Pointer(res))), nil
}

func (nativeDriver) GraphicsUnregisterResource(res GraphicsResource) error {
	return check("cuGraphicsUnregisterResource", C.cuGraphicsUnregisterResource(cResource(res)))
}

func (nativeDriver) GraphicsMapResources(res GraphicsResource, stream Stream) error {
	r := cResource(res)
	return check("cuGraphicsMapResources", C.cuGraphicsMapResources(1, &r, cStream(stream)))
}

func (nativeDriver) GraphicsUnmapResources(res GraphicsResource, stream Stream) error {
	r := cResource(res)
	return check("cuGraphicsUnmapResources", C.cuGraphicsUnmapResources(1, &r, cStream(stream)))
}

func (nativeDriver) GraphicsSubResourceGetMappedArray(
	res GraphicsResource,
	arrayIndex uint32,
	mipLevel uint32,
) (Array, error) {
	var arr C.CUarray
	err := check("cuGraphicsSubResourceGetMappedArray", C.cuGraphicsSubResourceGetMappedArray(&arr, cResource(res), C.uint(arrayIndex), C.uint(mipLevel)))
	if err != nil {
		return 0, err
	}
	return Array(uintptr(unsafe.Pointer(arr))), nil
}

func (nativeDriver) GraphicsResourceGetMappedPointer(res GraphicsResource) (DevicePtr, uint64, error) {
	var ptr C.CUdeviceptr
	var size C.size_t
	err := check("cuGraphicsResourceGetMappedPointer", C.cuGraphicsResourceGetMappedPointer_v2(&ptr, &size, cResource(res)))
	if err != nil {
		return 0, 0, err
	}
	return DevicePtr(ptr), uint64(size), nil
}
