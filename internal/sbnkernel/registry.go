package sbnkernel

import (
	"fmt"
	"sync"
)

// Constructor builds an empty Payload of a given type, ready to have its
// fields filled in by its UnmarshalBinary method (sbnproto decodes
// payloads through encoding.BinaryUnmarshaler). Mirrors the C++
// original's runtime-type-identification dispatch with a type registry
// keyed by integer ID instead (spec §9 "dynamic dispatch over kernel
// subtypes").
type Constructor func() Payload

// Registry maps stable numeric type IDs to kernel payload constructors.
// It is read-mostly: a single RWMutex guards the map, registration
// takes the write lock and lookups take the read lock, so concurrent
// lookups do not block each other (spec §5 "the type registry is
// read-mostly"). Lookups are not lock-free.
type Registry struct {
	mu    sync.RWMutex
	ctors map[TypeID]Constructor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[TypeID]Constructor)}
}

// Register adds a constructor for the given type ID. Registering the
// same ID twice is a programmer error and panics, matching the
// original's static registration-at-startup discipline.
func (r *Registry) Register(id TypeID, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[id]; exists {
		panic(fmt.Sprintf("sbnkernel: type %d already registered", id))
	}
	r.ctors[id] = ctor
}

// New constructs an empty payload for the given type ID, or reports
// false if the ID is unknown (e.g. because it belongs to a foreign
// application and should instead go to the foreign-kernel forwarder).
func (r *Registry) New(id TypeID) (Payload, bool) {
	r.mu.RLock()
	ctor, ok := r.ctors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Instances is the process-wide table of live kernels addressable by
// ID, used to reattach returning children to their parents when the
// parent pointer itself could not travel across a process or host
// boundary (spec: "Instance registry"). Like Registry, an Instances
// value is an explicit collaborator passed to pipelines at construction
// rather than a package-level singleton (spec §9).
type Instances struct {
	mu   sync.Mutex
	live map[ID]*Kernel
}

// NewInstances returns an empty Instances table.
func NewInstances() *Instances {
	return &Instances{live: make(map[ID]*Kernel)}
}

// Add registers k under its own ID, assigning one via GenerateLocalID
// if it does not already have one.
func (in *Instances) Add(k *Kernel) ID {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !k.HasID() {
		k.SetID(GenerateLocalID())
	}
	in.live[k.ID()] = k
	return k.ID()
}

// Remove drops k from the table.
func (in *Instances) Remove(id ID) {
	in.mu.Lock()
	delete(in.live, id)
	in.mu.Unlock()
}

// Find resolves a principal ID to its live kernel. The mutex is never
// held across I/O (spec §5 locking discipline): callers copy out the
// pointer and release before doing anything blocking with it.
func (in *Instances) Find(id ID) (*Kernel, bool) {
	in.mu.Lock()
	k, ok := in.live[id]
	in.mu.Unlock()
	return k, ok
}
