// Package cuda is a thin binding to the CUDA driver API: contexts, device
// memory, NVRTC-compiled kernels, streams and CUDA-OpenGL interop.
//
// All calls for a Device must be issued from the OS thread the device
// context was bound to (see Device.BindToThread).
package cuda

import (
	"fmt"
)

type Result int

const (
	ResultSuccess                 = Result(0)
	ResultErrorInvalidValue       = Result(1)
	ResultErrorOutOfMemory        = Result(2)
	ResultErrorNotInitialized     = Result(3)
	ResultErrorNoDevice           = Result(100)
	ResultErrorInvalidDevice      = Result(101)
	ResultErrorInvalidContext     = Result(201)
	ResultErrorAlreadyMapped      = Result(208)
	ResultErrorNoBinaryForGPU     = Result(209)
	ResultErrorNotMapped          = Result(211)
	ResultErrorNotMappedAsArray   = Result(212)
	ResultErrorNotMappedAsPointer = Result(213)
	ResultErrorInvalidPTX         = Result(218)
	ResultErrorInvalidGraphicsCtx = Result(219)
	ResultErrorInvalidHandle      = Result(400)
	ResultErrorNotFound           = Result(500)
	ResultErrorLaunchFailed       = Result(719)
	ResultErrorUnknown            = Result(999)
)

func (r Result) Error() string {
	switch r {
	case ResultSuccess:
		return "CUDA_SUCCESS"
	case ResultErrorInvalidValue:
		return "CUDA_ERROR_INVALID_VALUE"
	case ResultErrorOutOfMemory:
		return "CUDA_ERROR_OUT_OF_MEMORY"
	case ResultErrorNotInitialized:
		return "CUDA_ERROR_NOT_INITIALIZED"
	case ResultErrorNoDevice:
		return "CUDA_ERROR_NO_DEVICE"
	case ResultErrorInvalidDevice:
		return "CUDA_ERROR_INVALID_DEVICE"
	case ResultErrorInvalidContext:
		return "CUDA_ERROR_INVALID_CONTEXT"
	case ResultErrorAlreadyMapped:
		return "CUDA_ERROR_ALREADY_MAPPED"
	case ResultErrorNoBinaryForGPU:
		return "CUDA_ERROR_NO_BINARY_FOR_GPU"
	case ResultErrorNotMapped:
		return "CUDA_ERROR_NOT_MAPPED"
	case ResultErrorNotMappedAsArray:
		return "CUDA_ERROR_NOT_MAPPED_AS_ARRAY"
	case ResultErrorNotMappedAsPointer:
		return "CUDA_ERROR_NOT_MAPPED_AS_POINTER"
	case ResultErrorInvalidPTX:
		return "CUDA_ERROR_INVALID_PTX"
	case ResultErrorInvalidGraphicsCtx:
		return "CUDA_ERROR_INVALID_GRAPHICS_CONTEXT"
	case ResultErrorInvalidHandle:
		return "CUDA_ERROR_INVALID_HANDLE"
	case ResultErrorNotFound:
		return "CUDA_ERROR_NOT_FOUND"
	case ResultErrorLaunchFailed:
		return "CUDA_ERROR_LAUNCH_FAILED"
	case ResultErrorUnknown:
		return "CUDA_ERROR_UNKNOWN"
	}
	return fmt.Sprintf("CUDA_ERROR_%d", int(r))
}

// DriverError is a failed driver call. errors.Is(err, ResultErrorNotMapped)
// and alike match on the result code.
type DriverError struct {
	Op   string
	Code Result
	Name string
}

func (e *DriverError) Error() string {
	name := e.Name
	if name == "" {
		name = e.Code.Error()
	}
	return fmt.Sprintf("%s failed: %s (%d)", e.Op, name, int(e.Code))
}

func (e *DriverError) Unwrap() error {
	return e.Code
}

// NewDriverError returns nil if code is ResultSuccess.
func NewDriverError(op string, code Result) error {
	if code == ResultSuccess {
		return nil
	}
	return &DriverError{Op: op, Code: code}
}

type DeviceHandle int
type Context uintptr
type Stream uintptr
type Array uintptr
type DevicePtr uint64
type GraphicsResource uintptr
type Module uintptr
type Function uintptr

// DefaultStream is the legacy NULL stream.
const DefaultStream = Stream(0)

type MemoryType int

const (
	MemoryTypeHost    = MemoryType(1)
	MemoryTypeDevice  = MemoryType(2)
	MemoryTypeArray   = MemoryType(3)
	MemoryTypeUnified = MemoryType(4)
)

// Memcpy2D mirrors CUDA_MEMCPY2D.
type Memcpy2D struct {
	SrcXInBytes   uint64
	SrcY          uint64
	SrcMemoryType MemoryType
	SrcDevice     DevicePtr
	SrcArray      Array
	SrcPitch      uint64

	DstXInBytes   uint64
	DstY          uint64
	DstMemoryType MemoryType
	DstDevice     DevicePtr
	DstArray      Array
	DstPitch      uint64

	WidthInBytes uint64
	Height       uint64
}

type Dim3 struct {
	X, Y, Z uint32
}

type LaunchConfig struct {
	GridDim        Dim3
	BlockDim       Dim3
	SharedMemBytes uint32
}

type GraphicsRegisterFlags uint32

const (
	GraphicsRegisterFlagsNone         = GraphicsRegisterFlags(0)
	GraphicsRegisterFlagsReadOnly     = GraphicsRegisterFlags(1)
	GraphicsRegisterFlagsWriteDiscard = GraphicsRegisterFlags(2)
)

// Driver is the subset of the CUDA driver API (plus NVRTC) used by this module.
//
// Kernel arguments passed to LaunchKernel may be DevicePtr, int32, uint32,
// int64, uint64 or float32.
type Driver interface {
	Init() error

	DeviceGet(ordinal int) (DeviceHandle, error)
	DevicePrimaryCtxRetain(DeviceHandle) (Context, error)
	DevicePrimaryCtxRelease(DeviceHandle) error
	CtxSetCurrent(Context) error

	MemAlloc(size uint64) (DevicePtr, error)
	MemFree(DevicePtr) error
	MemsetD32(ptr DevicePtr, value uint32, count uint64) error
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error
	Memcpy2DAsync(*Memcpy2D, Stream) error
	StreamSynchronize(Stream) error

	CompileProgram(source string, name string, options []string) ([]byte, error)
	ModuleLoadData(image []byte) (Module, error)
	ModuleUnload(Module) error
	ModuleGetFunction(module Module, name string) (Function, error)
	LaunchKernel(fn Function, cfg LaunchConfig, stream Stream, args ...any) error

	GraphicsGLRegisterImage(image uint32, target uint32, flags GraphicsRegisterFlags) (GraphicsResource, error)
	GraphicsUnregisterResource(GraphicsResource) error
	GraphicsMapResources(GraphicsResource, Stream) error
	GraphicsUnmapResources(GraphicsResource, Stream) error
	GraphicsSubResourceGetMappedArray(res GraphicsResource, arrayIndex uint32, mipLevel uint32) (Array, error)
	GraphicsResourceGetMappedPointer(GraphicsResource) (DevicePtr, uint64, error)
}
