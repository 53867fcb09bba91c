package main

import (
	"fmt"

	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/libav/encoder"
)

type framePainter interface {
	Paint(frame *encoder.Frame, r, g, b uint8) error
}

// directPainter fills frames that are already packed RGB (GPU-staged).
type directPainter struct{}

func (directPainter) Paint(frame *encoder.Frame, r, g, b uint8) error {
	return encoder.FillPackedRGB(frame, r, g, b)
}

// convertingPainter fills a packed RGB frame and converts it into the
// planar frame of the software encoder.
type convertingPainter struct {
	source    *encoder.Frame
	converter *encoder.Converter
}

func newConvertingPainter(size gpuencoder.Size) (*convertingPainter, error) {
	source, err := encoder.NewPackedRGBFrame(size)
	if err != nil {
		return nil, fmt.Errorf("unable to allocate the source frame: %w", err)
	}
	conv, err := encoder.NewConverter(size, encoder.PixelFormatPackedRGB)
	if err != nil {
		source.Free()
		return nil, err
	}
	return &convertingPainter{
		source:    source,
		converter: conv,
	}, nil
}

func (p *convertingPainter) Paint(frame *encoder.Frame, r, g, b uint8) error {
	if err := encoder.FillPackedRGB(p.source, r, g, b); err != nil {
		return err
	}
	return p.converter.Convert(p.source.Frame, frame)
}

func (p *convertingPainter) Close() error {
	p.source.Free()
	return p.converter.Close()
}
