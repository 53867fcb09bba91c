package gpuencoder

import (
	"errors"
)

var (
	// ErrEncoderUnavailable means the encoder session could not be built
	// or became unusable; the caller decides whether to fall back to
	// another backend and send a new Init.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	ErrNotInitialized     = errors.New("encoder is not initialized")
	ErrNoFrame            = errors.New("no frame is available in the shared slot")
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrInvalidSize        = errors.New("invalid frame size")
)
