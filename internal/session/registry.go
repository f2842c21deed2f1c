package session

import (
	"sync"

	"github.com/srg/teleble/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry maps service and characteristic ids to the handles of the last
// completed discovery. Ids are normalized UUIDs.
type Registry struct {
	mu              sync.RWMutex
	services        *orderedmap.OrderedMap[string, *device.ServiceHandle]
	characteristics *orderedmap.OrderedMap[string, *device.CharacteristicHandle]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		services:        orderedmap.New[string, *device.ServiceHandle](),
		characteristics: orderedmap.New[string, *device.CharacteristicHandle](),
	}
}

// Replace rebuilds both maps from profile, discarding every previous handle.
// A characteristic id exposed by several services resolves to the first one.
func (r *Registry) Replace(profile *device.Profile) {
	services := orderedmap.New[string, *device.ServiceHandle]()
	chars := orderedmap.New[string, *device.CharacteristicHandle]()

	if profile != nil {
		for _, svc := range profile.Services {
			services.Set(device.NormalizeUUID(svc.UUID), svc)
			for _, c := range svc.Characteristics {
				id := device.NormalizeUUID(c.UUID)
				if _, exists := chars.Get(id); !exists {
					chars.Set(id, c)
				}
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = services
	r.characteristics = chars
}

// Characteristic resolves id to its handle.
func (r *Registry) Characteristic(id string) (*device.CharacteristicHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.characteristics.Get(device.NormalizeUUID(id)); ok {
		return c, nil
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{id}}
}

// Service resolves id to its handle.
func (r *Registry) Service(id string) (*device.ServiceHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.services.Get(device.NormalizeUUID(id)); ok {
		return s, nil
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{id}}
}

// Services returns the services in discovery order.
func (r *Registry) Services() []*device.ServiceHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*device.ServiceHandle, 0, r.services.Len())
	for p := r.services.Oldest(); p != nil; p = p.Next() {
		result = append(result, p.Value)
	}
	return result
}

// Characteristics returns the characteristics in discovery order.
func (r *Registry) Characteristics() []*device.CharacteristicHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*device.CharacteristicHandle, 0, r.characteristics.Len())
	for p := r.characteristics.Oldest(); p != nil; p = p.Next() {
		result = append(result, p.Value)
	}
	return result
}

// Len returns the number of known characteristics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.characteristics.Len()
}

// Clear drops every handle.
func (r *Registry) Clear() {
	r.Replace(nil)
}
