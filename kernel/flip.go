// Package kernel contains the CUDA kernel that turns OpenGL frames
// (bottom-to-top rows) right-side up for the encoder.
package kernel

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/gpuencoder/cuda"
)

const (
	ModuleName   = "module"
	FunctionName = "flip_opengl"
	ProgramName  = "flip_opengl.cu"

	BlockWidth  = 16
	BlockHeight = 2
)

// FlipSource is the CUDA C source of the flip kernel: each thread copies
// one packed 32-bit pixel from row (height-1-y) of pSrc into row y of pDest.
const FlipSource = `
extern "C" __global__ void flip_opengl(
    const unsigned* pSrc,
    unsigned* pDest,
    int width,
    int height
) {
    const unsigned x = blockIdx.x * blockDim.x + threadIdx.x;
    const unsigned y = blockIdx.y * blockDim.y + threadIdx.y;

    if (x < width && y < height) {
        unsigned reversed_y = (height - 1) - y;
        pDest[y * width + x] = pSrc[reversed_y * width + x];
    }
}
`

// LaunchConfigFor covers a width x height frame with 16x2 blocks plus
// one extra block on each axis for the remainders.
func LaunchConfigFor(width, height uint32) cuda.LaunchConfig {
	return cuda.LaunchConfig{
		GridDim:  cuda.Dim3{X: width/BlockWidth + 1, Y: height/BlockHeight + 1, Z: 1},
		BlockDim: cuda.Dim3{X: BlockWidth, Y: BlockHeight, Z: 1},
	}
}

// Flip is the flip kernel loaded into a device.
type Flip struct {
	device   *cuda.Device
	function cuda.Function
}

// Load compiles the kernel and loads it into the device, unless it is
// already loaded there.
func Load(
	ctx context.Context,
	device *cuda.Device,
) (_ret *Flip, _err error) {
	logger.Debugf(ctx, "kernel.Load")
	defer func() { logger.Debugf(ctx, "/kernel.Load: %v", _err) }()

	if !device.HasFunc(ModuleName, FunctionName) {
		ptx, err := device.Driver.CompileProgram(FlipSource, ProgramName, nil)
		if err != nil {
			return nil, fmt.Errorf("unable to compile the flip kernel: %w", err)
		}
		if err := device.LoadPTX(ctx, ptx, ModuleName, []string{FunctionName}); err != nil {
			return nil, fmt.Errorf("unable to load the flip kernel: %w", err)
		}
	}

	fn, ok := device.GetFunc(ModuleName, FunctionName)
	if !ok {
		return nil, fmt.Errorf("function '%s' is not found in module '%s'", FunctionName, ModuleName)
	}
	return &Flip{
		device:   device,
		function: fn,
	}, nil
}

// Launch enqueues the flip of src into dst on the default stream; both
// must hold at least width*height pixels.
func (f *Flip) Launch(
	ctx context.Context,
	src *cuda.Slice,
	dst *cuda.Slice,
	width, height uint32,
) error {
	count := uint64(width) * uint64(height)
	if src.Len() < count || dst.Len() < count {
		return fmt.Errorf("buffers are too small for %dx%d: src %d, dst %d pixels", width, height, src.Len(), dst.Len())
	}
	return f.device.Launch(ctx, f.function, LaunchConfigFor(width, height), src, dst, int32(width), int32(height))
}

// FlipVertical is what the kernel computes, on the host.
func FlipVertical(src []uint32, width, height uint32) []uint32 {
	dst := make([]uint32, len(src))
	for y := uint32(0); y < height; y++ {
		srcRow := src[(height-1-y)*width : (height-y)*width]
		copy(dst[y*width:(y+1)*width], srcRow)
	}
	return dst
}
