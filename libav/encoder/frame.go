package encoder

import (
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/cuda"
)

// Frame is an input frame of an Encoder.
//
// For the GPU-resident encoder DevicePtr addresses the pixels of the
// pooled hardware frame. The pool owns that memory: never free it.
type Frame struct {
	*astiav.Frame

	Size      gpuencoder.Size
	Format    astiav.PixelFormat
	DevicePtr cuda.DevicePtr

	// Pitch is the row stride in bytes of the first plane.
	Pitch int

	PTS           int64
	ForceKeyframe bool
}

// Stamp sets the timestamp and the keyframe request of the next encode.
// A forced keyframe is an I-picture with the key flag; otherwise the
// encoder picks the picture type and the flags are cleared.
func (f *Frame) Stamp(pts int64, forceKeyframe bool) {
	f.PTS = pts
	f.ForceKeyframe = forceKeyframe
	if f.Frame == nil {
		return
	}

	f.Frame.SetPts(pts)
	if forceKeyframe {
		f.Frame.SetPictureType(astiav.PictureTypeI)
	} else {
		f.Frame.SetPictureType(astiav.PictureTypeNone)
	}
	frameSetKeyFlag(f.Frame, forceKeyframe)
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(%s, pts:%d, key:%t)", f.Size, f.PTS, f.ForceKeyframe)
}

// Free releases the libav frame (returning a hardware frame to its pool).
func (f *Frame) Free() {
	if f.Frame == nil {
		return
	}
	f.Frame.Free()
	f.Frame = nil
	f.DevicePtr = 0
}

// newSoftwareFrame allocates a frame with its own pixel buffer.
func newSoftwareFrame(
	size gpuencoder.Size,
	pixelFormat astiav.PixelFormat,
) (_ret *Frame, _err error) {
	f := astiav.AllocFrame()
	if f == nil {
		return nil, fmt.Errorf("unable to allocate a frame")
	}
	defer func() {
		if _err != nil {
			f.Free()
		}
	}()

	f.SetWidth(int(size.Width))
	f.SetHeight(int(size.Height))
	f.SetPixelFormat(pixelFormat)
	if err := f.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("unable to allocate a %s %s buffer: %w", size, pixelFormat, err)
	}

	return &Frame{
		Frame:  f,
		Size:   size,
		Format: pixelFormat,
		Pitch:  frameLinesize0(f),
	}, nil
}
