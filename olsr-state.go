package manet

// olsr-state.go holds the information repositories an OLSR node keeps:
// the neighbor set, the 2-hop neighbor set, the MPR and MPR selector sets,
// the topology set learned from TC messages, the MID interface association
// set, and the duplicate set.  Every tuple carries the time it was last
// refreshed and the validity advertised by its sender; a tuple is dropped
// as soon as lastHeard + validity falls behind the current time.

import (
	"net/netip"

	"golang.org/x/exp/slices"
)

// neighbor status values
const (
	statusAsym = iota
	statusSym
)

// NeighborTuple records a 1-hop neighbor
type NeighborTuple struct {
	ID          NodeID
	Status      int
	Willingness int
	LastHeard   float64 // time of the last HELLO heard from the neighbor
	SymHeard    float64 // time of the last HELLO that listed this node, negative if none
	Validity    float64
}

// symmetric reports whether the link is confirmed in both directions at time now
func (nt *NeighborTuple) symmetric(now float64) bool {
	return nt.SymHeard >= 0.0 && nt.SymHeard+nt.Validity >= now
}

func (nt *NeighborTuple) expired(now float64) bool {
	return nt.LastHeard+nt.Validity < now
}

type twoHopKey struct {
	neighbor, twoHop NodeID
}

// TwoHopTuple records that TwoHop is a symmetric neighbor of Neighbor
type TwoHopTuple struct {
	Neighbor  NodeID
	TwoHop    NodeID
	LastHeard float64
	Validity  float64
}

// MprSelectorTuple records a neighbor that has chosen this node as an MPR
type MprSelectorTuple struct {
	Selector  NodeID
	LastHeard float64
	Validity  float64
}

type topoKey struct {
	last, dest NodeID
}

// TopologyTuple records that Originator (the TC's sender, T_last in the RFC) has a
// symmetric link to Dest, as of advertised neighbor sequence number Seq
type TopologyTuple struct {
	Originator NodeID
	Dest       NodeID
	Seq        uint16
	LastHeard  float64
	Validity   float64
}

// MidTuple records the extra interface addresses an originator has declared
type MidTuple struct {
	Originator NodeID
	Addrs      []netip.Addr
	LastHeard  float64
	Validity   float64
}

type dupKey struct {
	orig NodeID
	seq  uint16
}

// DuplicateTuple remembers a message already processed
type DuplicateTuple struct {
	Retransmitted bool
	Expires       float64
}

// OlsrState is owned by exactly one OLSR engine
type OlsrState struct {
	Neighbors    map[NodeID]*NeighborTuple
	TwoHops      map[twoHopKey]*TwoHopTuple
	MprSet       []NodeID
	MprSelectors map[NodeID]*MprSelectorTuple
	Topology     map[topoKey]*TopologyTuple
	Mid          map[NodeID]*MidTuple
	Duplicates   map[dupKey]*DuplicateTuple
	Routes       map[NodeID]RouteEntry
}

// createOlsrState is a constructor
func createOlsrState() *OlsrState {
	st := new(OlsrState)
	st.Neighbors = make(map[NodeID]*NeighborTuple)
	st.TwoHops = make(map[twoHopKey]*TwoHopTuple)
	st.MprSet = []NodeID{}
	st.MprSelectors = make(map[NodeID]*MprSelectorTuple)
	st.Topology = make(map[topoKey]*TopologyTuple)
	st.Mid = make(map[NodeID]*MidTuple)
	st.Duplicates = make(map[dupKey]*DuplicateTuple)
	st.Routes = make(map[NodeID]RouteEntry)
	return st
}

// sortedIDs returns the keys of an id-keyed map in ascending order
func sortedIDs[V any](m map[NodeID]V) []NodeID {
	ids := make([]NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SymNeighbors lists, in ascending order, the neighbors with a symmetric link at time now
func (st *OlsrState) SymNeighbors(now float64) []NodeID {
	syms := []NodeID{}
	for _, id := range sortedIDs(st.Neighbors) {
		if st.Neighbors[id].symmetric(now) {
			syms = append(syms, id)
		}
	}
	return syms
}

// isSymNeighbor reports whether id is a symmetric neighbor at time now
func (st *OlsrState) isSymNeighbor(id NodeID, now float64) bool {
	nt, present := st.Neighbors[id]
	return present && nt.symmetric(now)
}

// Selectors lists, in ascending order, the MPR selectors of this node
func (st *OlsrState) Selectors() []NodeID {
	return sortedIDs(st.MprSelectors)
}

// purge removes every tuple whose validity has run out and demotes neighbors whose
// symmetric link has lapsed.  The return is true if anything the route
// computation depends on changed.
func (st *OlsrState) purge(now float64) bool {
	changed := false

	for id, nt := range st.Neighbors {
		if nt.expired(now) {
			delete(st.Neighbors, id)
			changed = true
			continue
		}
		if nt.Status == statusSym && !nt.symmetric(now) {
			nt.Status = statusAsym
			changed = true
		}
	}
	for key, tt := range st.TwoHops {
		if tt.LastHeard+tt.Validity < now {
			delete(st.TwoHops, key)
			changed = true
		}
	}
	for id, ms := range st.MprSelectors {
		if ms.LastHeard+ms.Validity < now {
			delete(st.MprSelectors, id)
		}
	}
	for key, tt := range st.Topology {
		if tt.LastHeard+tt.Validity < now {
			delete(st.Topology, key)
			changed = true
		}
	}
	for id, mt := range st.Mid {
		if mt.LastHeard+mt.Validity < now {
			delete(st.Mid, id)
			changed = true
		}
	}
	for key, dt := range st.Duplicates {
		if dt.Expires < now {
			delete(st.Duplicates, key)
		}
	}
	return changed
}

// computeMprs selects the multipoint relays of node self following the heuristic of
// RFC 3626 section 8.3.1.  Ties are broken by higher willingness, then by the
// lower node id, so the result does not depend on map order.
func (st *OlsrState) computeMprs(self NodeID, now float64) []NodeID {
	// N: symmetric neighbors willing to relay
	candidates := []NodeID{}
	for _, id := range st.SymNeighbors(now) {
		if st.Neighbors[id].Willingness != WillNever {
			candidates = append(candidates, id)
		}
	}

	// N2: strict 2-hop neighbors reachable through N, and who reaches what
	reach := make(map[NodeID][]NodeID)
	providers := make(map[NodeID][]NodeID)
	for _, tt := range st.TwoHops {
		if tt.TwoHop == self || st.isSymNeighbor(tt.TwoHop, now) {
			continue
		}
		if !slices.Contains(candidates, tt.Neighbor) {
			continue
		}
		reach[tt.Neighbor] = append(reach[tt.Neighbor], tt.TwoHop)
		providers[tt.TwoHop] = append(providers[tt.TwoHop], tt.Neighbor)
	}

	mprs := []NodeID{}
	covered := make(map[NodeID]bool)
	choose := func(id NodeID) {
		if slices.Contains(mprs, id) {
			return
		}
		mprs = append(mprs, id)
		for _, n2 := range reach[id] {
			covered[n2] = true
		}
	}

	// neighbors that always relay
	for _, id := range candidates {
		if st.Neighbors[id].Willingness == WillAlways {
			choose(id)
		}
	}

	// neighbors that are the only way to some 2-hop node
	for _, n2 := range sortedIDs(providers) {
		if len(providers[n2]) == 1 {
			choose(providers[n2][0])
		}
	}

	// then greedily, the neighbor that covers the most still uncovered 2-hop nodes
	for {
		best := NodeID(-1)
		bestCount := 0
		for _, id := range candidates {
			if slices.Contains(mprs, id) {
				continue
			}
			count := 0
			for _, n2 := range reach[id] {
				if !covered[n2] {
					count += 1
				}
			}
			if count == 0 {
				continue
			}
			if best < 0 || count > bestCount ||
				(count == bestCount && st.Neighbors[id].Willingness > st.Neighbors[best].Willingness) {
				best = id
				bestCount = count
			}
		}
		if best < 0 {
			break
		}
		choose(best)
	}

	slices.Sort(mprs)
	return mprs
}
