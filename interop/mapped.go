package interop

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/internal"
)

// MappedResource is an exclusive mapping of a Resource for one frame.
// Unmap is safe to call more than once, so it may be deferred right
// after a successful Map.
type MappedResource struct {
	resource    *Resource
	isUnmapped  bool
	unmapFailed bool
}

func (m *MappedResource) IsMapped() bool {
	return !m.isUnmapped
}

// GetMappedArray returns the CUDA array backing the texture.
func (m *MappedResource) GetMappedArray(ctx context.Context) (cuda.Array, error) {
	m.assertValid(ctx)
	array, err := m.resource.device.Driver.GraphicsSubResourceGetMappedArray(m.resource.handle, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("unable to get the mapped array of texture %d: %w", m.resource.textureID, err)
	}
	return array, nil
}

// GetDevicePointer returns the linear device memory backing the resource.
// OpenGL textures are usually mapped only as arrays, so this fails for them.
func (m *MappedResource) GetDevicePointer(ctx context.Context) (cuda.DevicePtr, uint64, error) {
	m.assertValid(ctx)
	ptr, size, err := m.resource.device.Driver.GraphicsResourceGetMappedPointer(m.resource.handle)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get the mapped pointer of texture %d: %w", m.resource.textureID, err)
	}
	return ptr, size, nil
}

func (m *MappedResource) assertValid(ctx context.Context) {
	internal.Assert(ctx, m.resource.isRegistered, "the resource is not registered")
	internal.Assert(ctx, !m.isUnmapped, "the resource is already unmapped")
}

// Unmap releases the mapping. If the driver refuses, the mapping stays
// outstanding: Unmap may be called again, and the next Map of the
// resource retries it first.
func (m *MappedResource) Unmap(ctx context.Context) error {
	if m.isUnmapped {
		return nil
	}
	logger.Tracef(ctx, "Unmap(%d)", m.resource.textureID)
	if err := m.resource.device.Driver.GraphicsUnmapResources(m.resource.handle, cuda.DefaultStream); err != nil {
		m.unmapFailed = true
		return fmt.Errorf("unable to unmap texture %d: %w", m.resource.textureID, err)
	}
	m.release()
	return nil
}

// release forgets the mapping without calling the driver.
func (m *MappedResource) release() {
	m.isUnmapped = true
	m.unmapFailed = false
	if m.resource.mapping == m {
		m.resource.mapping = nil
	}
}
