package interop

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/xsync"
)

// DeviceContext is the graphics context the rendering side renders with.
// It must be current on the calling thread while a texture is mapped.
type DeviceContext interface {
	MakeCurrent() error
	Release() error
}

// SharedDeviceContext is a DeviceContext shared between the rendering
// side and an encode thread.
type SharedDeviceContext struct {
	Locker  xsync.Mutex
	Context DeviceContext
}

func NewSharedDeviceContext(c DeviceContext) *SharedDeviceContext {
	return &SharedDeviceContext{Context: c}
}

// WithCurrent holds the lock, makes the context current, calls callback
// and releases the context.
func (s *SharedDeviceContext) WithCurrent(
	ctx context.Context,
	callback func() error,
) error {
	return xsync.DoR1(ctx, &s.Locker, func() (_err error) {
		if err := s.Context.MakeCurrent(); err != nil {
			return fmt.Errorf("unable to make the graphics context current: %w", err)
		}
		defer func() {
			if err := s.Context.Release(); err != nil && _err == nil {
				_err = fmt.Errorf("unable to release the graphics context: %w", err)
			}
		}()
		return callback()
	})
}

// SharedResource is a Resource shared between the rendering side (which
// registers textures) and an encode thread (which maps them).
type SharedResource struct {
	Locker   xsync.Mutex
	Resource *Resource
}

func NewSharedResource(r *Resource) *SharedResource {
	return &SharedResource{Resource: r}
}

func (s *SharedResource) Do(
	ctx context.Context,
	callback func(*Resource) error,
) error {
	return xsync.DoR1(ctx, &s.Locker, func() error {
		return callback(s.Resource)
	})
}

// Register registers the texture under the lock.
func (s *SharedResource) Register(
	ctx context.Context,
	textureID TextureID,
	textureKind TextureKind,
) error {
	return s.Do(ctx, func(r *Resource) error {
		return r.Register(ctx, textureID, textureKind)
	})
}

func (s *SharedResource) Close(ctx context.Context) error {
	return s.Do(ctx, func(r *Resource) error {
		return r.Close(ctx)
	})
}
