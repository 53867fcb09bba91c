package cuda

import (
	"context"
	"fmt"
	"sync"

	"github.com/xaionaro-go/gpuencoder/internal"
)

// Slice is a device memory range. It frees the memory exactly once,
// unless ownership was given up with Leak.
type Slice struct {
	device *Device
	ptr    DevicePtr
	size   uint64

	locker     sync.Mutex
	isReleased bool
}

func newSlice(
	ctx context.Context,
	device *Device,
	ptr DevicePtr,
	size uint64,
) *Slice {
	s := &Slice{
		device: device,
		ptr:    ptr,
		size:   size,
	}
	internal.SetFinalizerLeakCheck(ctx, s)
	return s
}

func (s *Slice) DevicePtr() DevicePtr {
	return s.ptr
}

// Size is in bytes.
func (s *Slice) Size() uint64 {
	return s.size
}

// Len is the amount of 32-bit elements.
func (s *Slice) Len() uint64 {
	return s.size / 4
}

func (s *Slice) IsReleased() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.isReleased
}

// Leak gives up the ownership: the memory is not freed by this Slice.
func (s *Slice) Leak() DevicePtr {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.isReleased = true
	return s.ptr
}

func (s *Slice) Free() error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.isReleased {
		return nil
	}
	s.isReleased = true
	if err := s.device.Driver.MemFree(s.ptr); err != nil {
		return fmt.Errorf("unable to free device memory 0x%X: %w", uint64(s.ptr), err)
	}
	return nil
}

// CopyFromHost copies len(src) bytes into the beginning of the slice.
func (s *Slice) CopyFromHost(src []byte) error {
	if uint64(len(src)) > s.size {
		return fmt.Errorf("source is larger than the slice: %d > %d", len(src), s.size)
	}
	return s.device.Driver.MemcpyHtoD(s.ptr, src)
}

// CopyToHost copies len(dst) bytes from the beginning of the slice.
func (s *Slice) CopyToHost(dst []byte) error {
	if uint64(len(dst)) > s.size {
		return fmt.Errorf("destination is larger than the slice: %d > %d", len(dst), s.size)
	}
	return s.device.Driver.MemcpyDtoH(dst, s.ptr)
}
