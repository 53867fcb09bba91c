package cuda

import (
	"errors"
	"sync"
)

var ErrNotCompiled = errors.New("not compiled with CUDA support (build with tag 'with_cuda')")

var (
	libOnce sync.Once
	lib     Driver
	libErr  error
)

// Lib returns the process-wide driver handle.
//
// The driver is loaded and initialized (cuInit) once, on the first call,
// and is never torn down: its lifetime is the lifetime of the process.
// A failed initialization is also remembered; every later call returns
// the same error.
func Lib() (Driver, error) {
	libOnce.Do(func() {
		lib, libErr = loadLib()
	})
	return lib, libErr
}
