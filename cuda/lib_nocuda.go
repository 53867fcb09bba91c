//go:build !with_cuda
// +build !with_cuda

package cuda

func loadLib() (Driver, error) {
	return nil, ErrNotCompiled
}
