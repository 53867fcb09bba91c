// Package interop exposes OpenGL textures to CUDA as device memory.
package interop

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/internal"
)

// TextureID is an OpenGL texture name.
type TextureID uint32

// TextureKind is an OpenGL texture target.
type TextureKind uint32

const (
	TextureKind2D        = TextureKind(0x0DE1) // GL_TEXTURE_2D
	TextureKindRectangle = TextureKind(0x84F5) // GL_TEXTURE_RECTANGLE
)

// Resource is a registration of one OpenGL texture with CUDA.
//
// A Resource is not safe for concurrent use; wrap it into SharedResource
// when it is shared with the rendering side.
type Resource struct {
	device *cuda.Device

	handle       cuda.GraphicsResource
	isRegistered bool
	textureID    TextureID
	textureKind  TextureKind
	mapping      *MappedResource
}

// NewResource returns an unregistered resource.
func NewResource(
	ctx context.Context,
	device *cuda.Device,
) *Resource {
	r := &Resource{
		device: device,
	}
	internal.SetFinalizerLeakCheck(ctx, r)
	return r
}

func (r *Resource) Device() *cuda.Device {
	return r.device
}

func (r *Resource) IsRegistered() bool {
	return r.isRegistered
}

// IsReleased is true if no native registration is held.
func (r *Resource) IsReleased() bool {
	return !r.isRegistered
}

func (r *Resource) TextureID() TextureID {
	return r.textureID
}

func (r *Resource) TextureKind() TextureKind {
	return r.textureKind
}

// Register registers the texture. An outstanding registration is released
// first, so exactly one registration exists on success.
func (r *Resource) Register(
	ctx context.Context,
	textureID TextureID,
	textureKind TextureKind,
) (_err error) {
	logger.Debugf(ctx, "Register(%d, 0x%X)", textureID, textureKind)
	defer func() { logger.Debugf(ctx, "/Register(%d, 0x%X): %v", textureID, textureKind, _err) }()

	if r.isRegistered {
		if err := r.Unregister(ctx); err != nil {
			return fmt.Errorf("unable to unregister the previous texture %d: %w", r.textureID, err)
		}
	}

	handle, err := r.device.Driver.GraphicsGLRegisterImage(
		uint32(textureID),
		uint32(textureKind),
		cuda.GraphicsRegisterFlagsReadOnly,
	)
	if err != nil {
		return fmt.Errorf("unable to register texture %d: %w", textureID, err)
	}

	r.handle = handle
	r.isRegistered = true
	r.textureID = textureID
	r.textureKind = textureKind
	return nil
}

// Unregister releases the registration. An outstanding mapping is
// unmapped first.
func (r *Resource) Unregister(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Unregister(%d)", r.textureID)
	defer func() { logger.Debugf(ctx, "/Unregister(%d): %v", r.textureID, _err) }()

	internal.Assert(ctx, r.isRegistered, "unregistering a resource that is not registered")

	if r.mapping != nil {
		if err := r.mapping.Unmap(ctx); err != nil {
			logger.Errorf(ctx, "unable to unmap texture %d before unregistering: %v", r.textureID, err)
		}
	}

	if err := r.device.Driver.GraphicsUnregisterResource(r.handle); err != nil {
		return fmt.Errorf("unable to unregister texture %d: %w", r.textureID, err)
	}
	// the registration took the mapping with it
	if r.mapping != nil {
		r.mapping.release()
	}
	r.handle = 0
	r.isRegistered = false
	return nil
}

// Map maps the registered texture until the returned mapping is unmapped.
// The mapping must be released before the next Map call.
func (r *Resource) Map(ctx context.Context) (_ret *MappedResource, _err error) {
	logger.Tracef(ctx, "Map(%d)", r.textureID)
	defer func() { logger.Tracef(ctx, "/Map(%d): %v", r.textureID, _err) }()

	internal.Assert(ctx, r.isRegistered, "mapping a resource that is not registered")
	if r.mapping != nil && r.mapping.unmapFailed {
		if err := r.mapping.Unmap(ctx); err != nil {
			return nil, fmt.Errorf("the previous mapping of texture %d is still outstanding: %w", r.textureID, err)
		}
	}
	internal.Assert(ctx, r.mapping == nil, "mapping a resource that is already mapped")

	if err := r.device.Driver.GraphicsMapResources(r.handle, cuda.DefaultStream); err != nil {
		return nil, fmt.Errorf("unable to map texture %d: %w", r.textureID, err)
	}

	r.mapping = &MappedResource{resource: r}
	return r.mapping, nil
}

// WithMapped maps the resource and unmaps it once callback returns, on
// every path.
func (r *Resource) WithMapped(
	ctx context.Context,
	callback func(*MappedResource) error,
) (_err error) {
	mapped, err := r.Map(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := mapped.Unmap(ctx); err != nil && _err == nil {
			_err = err
		}
	}()
	return callback(mapped)
}

// Close unregisters the texture if it is still registered.
func (r *Resource) Close(ctx context.Context) error {
	if !r.isRegistered {
		return nil
	}
	return r.Unregister(ctx)
}
