package sbndiscover

import "net"

// node is one neighbour's advertised resources, keyed by socket address
// in the maps below.
type node struct {
	addr      net.Addr
	resources Resources
}

// hierarchy is one interface's view of its superior and subordinates,
// grounded on discoverer.cc's hierarchy_node/hierarchy member (the
// accompanying .hh is not in the retained source, so the shape below
// is inferred from the methods discoverer.cc actually calls:
// has_superior, add_superior, remove_superior, set_superior,
// add_subordinate, remove_subordinate, set_subordinate,
// total_resources).
type hierarchy struct {
	self      net.Addr
	port      int
	resources Resources

	superior     *node
	subordinates map[string]*node
}

func newHierarchy(self net.Addr, port int) *hierarchy {
	return &hierarchy{self: self, port: port, subordinates: make(map[string]*node)}
}

func (h *hierarchy) SocketAddress() net.Addr { return h.self }

func (h *hierarchy) HasSuperior() bool { return h.superior != nil }

func (h *hierarchy) HasSuperiorAddr(addr net.Addr) bool {
	return h.superior != nil && sameAddr(h.superior.addr, addr)
}

func (h *hierarchy) SuperiorSocketAddress() net.Addr {
	if h.superior == nil {
		return nil
	}
	return h.superior.addr
}

func (h *hierarchy) Superior() Resources {
	if h.superior == nil {
		return Resources{}
	}
	return h.superior.resources
}

// AddSuperior reports whether the superior actually changed.
func (h *hierarchy) AddSuperior(addr net.Addr, r Resources) bool {
	if h.superior != nil && sameAddr(h.superior.addr, addr) {
		return false
	}
	h.superior = &node{addr: addr, resources: r}
	return true
}

// RemoveSuperior reports whether there was one to remove.
func (h *hierarchy) RemoveSuperior() bool {
	if h.superior == nil {
		return false
	}
	h.superior = nil
	return true
}

func (h *hierarchy) SetSuperior(r Resources) bool {
	if h.superior == nil || h.superior.resources == r {
		return false
	}
	h.superior.resources = r
	return true
}

func (h *hierarchy) HasSubordinate(addr net.Addr) bool {
	_, ok := h.subordinates[addr.String()]
	return ok
}

// AddSubordinate reports whether this address is new.
func (h *hierarchy) AddSubordinate(addr net.Addr) bool {
	key := addr.String()
	if _, ok := h.subordinates[key]; ok {
		return false
	}
	h.subordinates[key] = &node{addr: addr}
	return true
}

// RemoveSubordinate reports whether it was present.
func (h *hierarchy) RemoveSubordinate(addr net.Addr) bool {
	key := addr.String()
	if _, ok := h.subordinates[key]; !ok {
		return false
	}
	delete(h.subordinates, key)
	return true
}

func (h *hierarchy) SetSubordinate(addr net.Addr, r Resources) bool {
	n, ok := h.subordinates[addr.String()]
	if !ok || n.resources == r {
		return false
	}
	n.resources = r
	return true
}

// Subordinates returns a snapshot of (address, resources) pairs.
func (h *hierarchy) Subordinates() []node {
	out := make([]node, 0, len(h.subordinates))
	for _, n := range h.subordinates {
		out = append(out, *n)
	}
	return out
}

// TotalResources sums this node's own resources, one node for this node
// itself, and every subordinate's advertised subtree resources
// (discoverer.cc "total_resources").
func (h *hierarchy) TotalResources() Resources {
	total := h.resources.Add(Resources{1, 0})
	for _, n := range h.subordinates {
		total = total.Add(n.resources)
	}
	return total
}

func (h *hierarchy) SetResources(r Resources) { h.resources = r }

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
