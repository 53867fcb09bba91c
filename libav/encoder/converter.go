package encoder

import (
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/gpuencoder"
)

const (
	// PixelFormatPackedRGB is the host-side packed 32-bit layout
	// (B, G, R, X in memory) accepted by the GPU-staged encoder.
	PixelFormatPackedRGB = astiav.PixelFormatBgr0

	// PixelFormatPackedRGBResident is the layout of an RGBA8 OpenGL
	// texture (R, G, B, X in memory), the storage format of the
	// GPU-resident frame pool.
	PixelFormatPackedRGBResident = astiav.PixelFormatRgb0
)

// Converter converts packed 32-bit RGB frames into the planar YUV 4:2:0
// frames of the software encoder.
type Converter struct {
	Size         gpuencoder.Size
	SourceFormat astiav.PixelFormat

	swsContext *astiav.SoftwareScaleContext
}

func NewConverter(
	size gpuencoder.Size,
	sourceFormat astiav.PixelFormat,
) (*Converter, error) {
	if !size.IsValid() {
		return nil, fmt.Errorf("%w: %s", gpuencoder.ErrInvalidSize, size)
	}
	sws, err := astiav.CreateSoftwareScaleContext(
		int(size.Width), int(size.Height), sourceFormat,
		int(size.Width), int(size.Height), astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create a %s->%s scaling context: %w", sourceFormat, astiav.PixelFormatYuv420P, err)
	}
	return &Converter{
		Size:         size,
		SourceFormat: sourceFormat,
		swsContext:   sws,
	}, nil
}

// Convert writes src into dst; dst keeps its own buffer (and so its
// timestamps are not touched).
func (c *Converter) Convert(src *astiav.Frame, dst *Frame) error {
	if dst.Size != c.Size {
		return fmt.Errorf("the destination frame is %s, expected %s", dst.Size, c.Size)
	}
	if err := dst.Frame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the destination frame writable: %w", err)
	}
	if err := c.swsContext.ScaleFrame(src, dst.Frame); err != nil {
		return fmt.Errorf("unable to convert the frame: %w", err)
	}
	return nil
}

func (c *Converter) Close() error {
	if c.swsContext == nil {
		return nil
	}
	c.swsContext.Free()
	c.swsContext = nil
	return nil
}

// NewPackedRGBFrame allocates a host frame of the packed layout of the
// GPU-staged encoder, e.g. the source of a Converter.
func NewPackedRGBFrame(size gpuencoder.Size) (*Frame, error) {
	return newSoftwareFrame(size, PixelFormatPackedRGB)
}

// FillPackedRGB paints the whole packed RGB frame with one color.
func FillPackedRGB(f *Frame, r, g, b uint8) error {
	if pixFmt := f.Frame.PixelFormat(); pixFmt != PixelFormatPackedRGB {
		return fmt.Errorf("expected a %s frame, got %s", PixelFormatPackedRGB, pixFmt)
	}
	buf := make([]byte, int(f.Size.Linear())*4)
	for i := 0; i < len(buf); i += 4 {
		buf[i+0] = b
		buf[i+1] = g
		buf[i+2] = r
		buf[i+3] = 0xFF
	}
	if err := f.Frame.MakeWritable(); err != nil {
		return fmt.Errorf("unable to make the frame writable: %w", err)
	}
	if err := f.Frame.Data().SetBytes(buf, 1); err != nil {
		return fmt.Errorf("unable to fill the frame: %w", err)
	}
	return nil
}
