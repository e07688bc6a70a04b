package registry

import (
	"slices"
	"sync"

	"harpc/protocol"
)

type memoryKey struct {
	id    protocol.ServiceID
	major uint8
}

// MemoryRegistry is an in-process Registry. TTLs are ignored. It serves
// single-process deployments and tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[memoryKey][]Instance
	watchers map[memoryKey][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[memoryKey][]Instance),
		watchers: make(map[memoryKey][]chan []Instance),
	}
}

func keyOf(svc protocol.ServiceDescriptor) memoryKey {
	return memoryKey{id: svc.ID, major: svc.Version.Major}
}

func (r *MemoryRegistry) Register(svc protocol.ServiceDescriptor, instance Instance, _ int64) error {
	instance.Version = svc.Version
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(svc)
	list := slices.DeleteFunc(r.services[k], func(i Instance) bool { return i.Addr == instance.Addr })
	r.services[k] = append(list, instance)
	r.notify(k)
	return nil
}

func (r *MemoryRegistry) Deregister(svc protocol.ServiceDescriptor, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(svc)
	r.services[k] = slices.DeleteFunc(r.services[k], func(i Instance) bool { return i.Addr == addr })
	r.notify(k)
	return nil
}

func (r *MemoryRegistry) Discover(svc protocol.ServiceDescriptor) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return compatible(svc, r.services[keyOf(svc)]), nil
}

// Watch emits the full instance list after every change. A watcher that
// falls behind only sees the latest list.
func (r *MemoryRegistry) Watch(svc protocol.ServiceDescriptor) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(svc)
	r.watchers[k] = append(r.watchers[k], ch)
	return ch
}

// notify must be called with r.mu held.
func (r *MemoryRegistry) notify(k memoryKey) {
	snapshot := slices.Clone(r.services[k])
	for _, ch := range r.watchers[k] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
