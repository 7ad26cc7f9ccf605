package memory

import (
	"context"
	"sync"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
)

type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*domain.Device
}

// NewMemoryDeviceRepository builds the vehicle-key registry, usually seeded
// from configuration at startup.
func NewMemoryDeviceRepository(devices []domain.Device) ports.DeviceRepository {
	byKey := make(map[string]*domain.Device, len(devices))
	for i := range devices {
		device := devices[i]
		byKey[device.Key] = &device
	}
	return &MemoryDeviceRepository{devices: byKey}
}

func (r *MemoryDeviceRepository) FindByKey(ctx context.Context, key string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[key]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	clone := *device
	return &clone, nil
}
