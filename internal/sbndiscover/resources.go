// Package sbndiscover implements the per-interface hierarchy
// discoverer: it probes candidate superiors, accepts or rejects
// subordinates, keeps subtree resource totals eventually consistent,
// and persists the hierarchy to a cache file (spec §4.2). Grounded
// directly on original_source/src/subordination/daemon/discoverer.cc.
package sbndiscover

// Resources is the resource vector a node advertises about itself and
// about its subtree (spec §3 "weight (subtree size), and resource
// vector (e.g. thread count)"). Index 0 is node count, index 1 is
// thread count — the two fields discoverer.cc actually reads
// (num_threads()) and logs.
type Resources [2]float64

// Add returns the element-wise sum of r and o.
func (r Resources) Add(o Resources) Resources {
	return Resources{r[0] + o[0], r[1] + o[1]}
}

// Sub returns the element-wise difference r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{r[0] - o[0], r[1] - o[1]}
}

// NodeCount is the subtree-size component of the vector (the "weight"
// used by the socket pipeline's weighted round robin, spec §4.4).
func (r Resources) NodeCount() float64 { return r[0] }

// Threads is the thread-count component.
func (r Resources) Threads() float64 { return r[1] }
