// Package registry announces and discovers the servers that host a service.
//
// Servers register one Instance per service descriptor they serve. Clients
// discover instances by descriptor: an instance qualifies when it serves the
// same service id and major version at a minor version at least as high as
// the one requested.
package registry

import (
	"harpc/protocol"
)

type Instance struct {
	Addr    string                  `json:"addr"`
	Weight  int                     `json:"weight"` // Weight for load balancing
	Version protocol.ServiceVersion `json:"version"`
}

type Registry interface {
	Register(svc protocol.ServiceDescriptor, instance Instance, ttl int64) error
	Deregister(svc protocol.ServiceDescriptor, addr string) error
	Discover(svc protocol.ServiceDescriptor) ([]Instance, error)
	Watch(svc protocol.ServiceDescriptor) <-chan []Instance
}

// compatible filters instances down to those able to serve svc.
func compatible(svc protocol.ServiceDescriptor, instances []Instance) []Instance {
	out := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Version.Major == svc.Version.Major && inst.Version.Minor >= svc.Version.Minor {
			out = append(out, inst)
		}
	}
	return out
}
