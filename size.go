package gpuencoder

import (
	"fmt"
)

type Size struct {
	Width  uint32 `json:"width"  yaml:"width"`
	Height uint32 `json:"height" yaml:"height"`
}

// Linear returns the amount of pixels.
func (s Size) Linear() uint64 {
	return uint64(s.Width) * uint64(s.Height)
}

func (s Size) IsValid() bool {
	return s.Width > 0 && s.Height > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}
