package cudatest

import (
	"fmt"

	"github.com/xaionaro-go/gpuencoder/cuda"
)

// FlipVerticalKernel emulates a kernel with the signature
// (const unsigned* src, unsigned* dst, int width, int height) that writes
// dst[y*width+x] = src[(height-1-y)*width+x]. Every thread of the launch
// grid is simulated, so an undersized grid leaves pixels untouched.
func FlipVerticalKernel(d *Driver, cfg cuda.LaunchConfig, args []any) error {
	if len(args) != 4 {
		return fmt.Errorf("expected 4 arguments, got %d", len(args))
	}
	src, ok0 := args[0].(cuda.DevicePtr)
	dst, ok1 := args[1].(cuda.DevicePtr)
	width, ok2 := args[2].(int32)
	height, ok3 := args[3].(int32)
	if !ok0 || !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("unexpected argument types: %T, %T, %T, %T", args[0], args[1], args[2], args[3])
	}
	count := uint64(width) * uint64(height)

	in, err := d.ReadUint32s(src, count)
	if err != nil {
		return fmt.Errorf("unable to read the source: %w", err)
	}
	out, err := d.ReadUint32s(dst, count)
	if err != nil {
		return fmt.Errorf("unable to read the destination: %w", err)
	}

	for by := uint32(0); by < cfg.GridDim.Y; by++ {
		for bx := uint32(0); bx < cfg.GridDim.X; bx++ {
			for ty := uint32(0); ty < cfg.BlockDim.Y; ty++ {
				for tx := uint32(0); tx < cfg.BlockDim.X; tx++ {
					x := bx*cfg.BlockDim.X + tx
					y := by*cfg.BlockDim.Y + ty
					if x >= uint32(width) || y >= uint32(height) {
						continue
					}
					reversedY := uint32(height) - 1 - y
					out[y*uint32(width)+x] = in[reversedY*uint32(width)+x]
				}
			}
		}
	}

	return d.WriteUint32s(dst, out)
}
