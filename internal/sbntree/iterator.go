package sbntree

// State mirrors tree_hierarchy_iterator.hh's state_type enum.
type State int

const (
	StateInitial State = iota
	StateTraversingParentNode
	StateTraversingUpperLayers
	StateTraversingBaseLayer
	StateEnd
)

// AddressSpace resolves tree positions to real, reachable addresses and
// back, standing in for the C++ iterator's interface-address-plus-subnet
// context.
type AddressSpace struct {
	Fanout       uint64
	Offset       uint64
	Stride       uint64
	SubnetSize   uint64 // number of addresses in the subnet; real ranks outside [0,SubnetSize) are skipped
	SelfRank     uint64
	ToAddr       func(rank uint64) (addr string, ok bool)
}

// Iterator produces a finite, restartable, deterministic sequence of
// candidate superior addresses to probe, in the priority order spec
// §4.1 describes: parent once, then upper layers breadth-first
// (skipping the parent), then the base layer (skipping self).
type Iterator struct {
	space        AddressSpace
	state        State
	selfPos      Position
	parentPos    Position
	currentLayer int
	currentOff   uint64
}

// NewIterator builds an iterator for the given address space, in state
// Initial.
func NewIterator(space AddressSpace) *Iterator {
	it := &Iterator{space: space}
	it.Reset()
	return it
}

// Reset returns the iterator to its Initial state, as if freshly
// constructed. Used by the Discoverer once a probing round has
// exhausted the sequence, and when a scan-interval timer fires while
// the node has a superior, so that the next candidate is the best one
// again (spec §4.2).
func (it *Iterator) Reset() {
	it.selfPos = FromRank(it.space.SelfRank, it.space.Fanout, it.space.Offset, it.space.Stride)
	it.parentPos = it.selfPos.Parent(it.space.Fanout)
	it.state = StateInitial
	it.currentLayer = 0
	it.currentOff = 0
}

// State reports the iterator's current traversal phase.
func (it *Iterator) State() State { return it.state }

// Done reports whether the iterator has no more candidates.
func (it *Iterator) Done() bool { return it.state == StateEnd }

// candidateAddr resolves a position to a real address, skipping
// addresses outside the subnet (spec §4.1 "If real falls outside the
// subnet, that position is skipped").
func (it *Iterator) candidateAddr(pos Position) (string, bool) {
	rank := ToRank(pos, it.space.Fanout, it.space.Offset, it.space.Stride)
	if it.space.SubnetSize > 0 && rank >= it.space.SubnetSize {
		return "", false
	}
	return it.space.ToAddr(rank)
}

// Next advances to and returns the next candidate address. ok is false
// once the sequence is exhausted (State() == StateEnd).
func (it *Iterator) Next() (addr string, ok bool) {
	for {
		switch it.state {
		case StateInitial:
			it.state = StateTraversingParentNode
			if it.selfPos.Layer == 0 {
				// root has no parent; skip straight to upper layers (none) / base layer
				it.state = StateTraversingBaseLayer
				it.currentLayer = 0
				it.currentOff = 0
				continue
			}
			if a, ok := it.candidateAddr(it.parentPos); ok {
				return a, true
			}
			continue
		case StateTraversingParentNode:
			// only reached if Next is called again without intervening state change
			it.state = StateTraversingUpperLayers
			it.currentLayer = it.parentPos.Layer
			it.currentOff = 0
			continue
		case StateTraversingUpperLayers:
			if it.currentLayer < 0 {
				it.state = StateTraversingBaseLayer
				it.currentLayer = it.selfPos.Layer
				it.currentOff = 0
				continue
			}
			maxOff := layerSize(it.currentLayer, it.space.Fanout)
			if it.currentOff >= maxOff {
				it.currentLayer--
				it.currentOff = 0
				continue
			}
			pos := Position{Layer: it.currentLayer, Offset: it.currentOff}
			it.currentOff++
			if pos == it.parentPos {
				continue
			}
			if a, ok := it.candidateAddr(pos); ok {
				return a, true
			}
			continue
		case StateTraversingBaseLayer:
			maxOff := layerSize(it.selfPos.Layer, it.space.Fanout)
			if it.currentOff >= maxOff {
				it.state = StateEnd
				return "", false
			}
			pos := Position{Layer: it.selfPos.Layer, Offset: it.currentOff}
			it.currentOff++
			if pos == it.selfPos {
				continue
			}
			if a, ok := it.candidateAddr(pos); ok {
				return a, true
			}
			continue
		case StateEnd:
			return "", false
		}
	}
}

// AdvanceFromParent transitions directly from having just emitted the
// parent candidate to walking upper layers; called by the Discoverer
// once it has sent (or decided to skip) the parent probe, matching the
// C++ original's explicit phase transitions rather than inferring them
// from call count.
func (it *Iterator) AdvanceFromParent() {
	if it.state == StateTraversingParentNode || it.state == StateInitial {
		it.state = StateTraversingUpperLayers
		it.currentLayer = it.parentPos.Layer
		it.currentOff = 0
	}
}

func layerSize(layer int, fanout uint64) uint64 {
	if layer < 0 {
		return 0
	}
	if fanout <= 1 {
		return 1
	}
	size := uint64(1)
	for i := 0; i < layer; i++ {
		size *= fanout
	}
	return size
}
