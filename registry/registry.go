package registry

import (
	"sort"
	"strings"
	"time"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/subject"
)

// Common errors.
var (
	ErrNotFound  = mcperr.NotFound("service instance not found")
	ErrClosed    = mcperr.Closed("registry closed")
	ErrInvalidID = mcperr.InvalidInput("invalid service descriptor")
)

// ServiceDescriptor describes one running server instance.
type ServiceDescriptor struct {
	// Service is the logical service name, e.g. "mcp.service".
	Service string `json:"service"`

	// InstanceID identifies the instance within the service.
	InstanceID string `json:"instance_id"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// Version of the server software.
	Version string `json:"version,omitempty"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Methods lists the JSON-RPC methods the instance answers.
	Methods []string `json:"methods,omitempty"`

	// RegisteredAt is when the instance first registered.
	RegisteredAt time.Time `json:"registered_at"`

	// LastSeen is when the lease was last refreshed.
	LastSeen time.Time `json:"last_seen"`
}

// Key returns the registry key <service>.<instanceId>.
func (d ServiceDescriptor) Key() string {
	return d.Service + "." + d.InstanceID
}

// HasMethod checks if the instance answers method.
func (d ServiceDescriptor) HasMethod(method string) bool {
	for _, m := range d.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Filter specifies criteria for listing instances.
type Filter struct {
	// Service filters by exact service name. Empty means all.
	Service string

	// Method filters to instances answering this method.
	Method string

	// Metadata filters to instances carrying every listed pair.
	Metadata map[string]string
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Descriptor contains the instance information.
	// For removal events only Service and InstanceID are guaranteed.
	Descriptor ServiceDescriptor
}

// Registry provides service registration and discovery.
type Registry interface {
	// Register adds an instance or refreshes its lease.
	Register(desc ServiceDescriptor) error

	// Deregister removes an instance.
	// Returns ErrNotFound if the instance doesn't exist.
	Deregister(service, instanceID string) error

	// Get retrieves a specific instance.
	Get(service, instanceID string) (*ServiceDescriptor, error)

	// List returns all live instances matching the optional filter,
	// ordered by key.
	List(filter *Filter) ([]ServiceDescriptor, error)

	// Services returns the number of live instances per service.
	Services() (map[string]int, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry client.
	Close() error
}

// ValidateDescriptor checks that a descriptor can be registered.
func ValidateDescriptor(d ServiceDescriptor) error {
	if err := subject.Validate(d.Service); err != nil {
		return mcperr.Wrapf(ErrInvalidID, "service %q", d.Service)
	}
	if !subject.ValidToken(d.InstanceID) {
		return mcperr.Wrapf(ErrInvalidID, "instance id %q", d.InstanceID)
	}
	return nil
}

// MatchesFilter checks if a descriptor matches the filter criteria.
func MatchesFilter(d ServiceDescriptor, filter *Filter) bool {
	if filter == nil {
		return true
	}
	if filter.Service != "" && d.Service != filter.Service {
		return false
	}
	if filter.Method != "" && !d.HasMethod(filter.Method) {
		return false
	}
	for k, v := range filter.Metadata {
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}

// splitKey reverses ServiceDescriptor.Key.
func splitKey(key string) (service, instanceID string) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

func sortDescriptors(ds []ServiceDescriptor) {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].Key() < ds[j].Key()
	})
}

func countServices(ds []ServiceDescriptor) map[string]int {
	out := make(map[string]int)
	for _, d := range ds {
		out[d.Service]++
	}
	return out
}

func cloneDescriptor(d ServiceDescriptor) ServiceDescriptor {
	if d.Metadata != nil {
		m := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			m[k] = v
		}
		d.Metadata = m
	}
	if d.Methods != nil {
		d.Methods = append([]string(nil), d.Methods...)
	}
	return d
}
