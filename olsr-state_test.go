package manet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// symNeighbor adds a neighbor heard, in both directions, at time 0
func symNeighbor(st *OlsrState, id NodeID, will int) {
	st.Neighbors[id] = &NeighborTuple{ID: id, Status: statusSym, Willingness: will,
		LastHeard: 0.0, SymHeard: 0.0, Validity: 6.0}
}

func twoHop(st *OlsrState, nbr NodeID, far ...NodeID) {
	for _, id := range far {
		st.TwoHops[twoHopKey{neighbor: nbr, twoHop: id}] = &TwoHopTuple{Neighbor: nbr, TwoHop: id,
			LastHeard: 0.0, Validity: 6.0}
	}
}

func TestComputeMprsCoversTwoHopSet(t *testing.T) {
	st := createOlsrState()
	symNeighbor(st, 1, WillDefault)
	symNeighbor(st, 2, WillDefault)
	symNeighbor(st, 3, WillDefault)
	twoHop(st, 1, 10, 11, 12)
	twoHop(st, 2, 11)
	twoHop(st, 3, 12, 13)

	// 1 is the only way to 10 and 3 the only way to 13; together they cover everything
	assert.Equal(t, []NodeID{1, 3}, st.computeMprs(0, 1.0))
}

func TestComputeMprsGreedy(t *testing.T) {
	st := createOlsrState()
	symNeighbor(st, 1, WillDefault)
	symNeighbor(st, 2, WillDefault)
	symNeighbor(st, 3, WillDefault)
	twoHop(st, 1, 10, 11)
	twoHop(st, 2, 10, 11, 12)
	twoHop(st, 3, 12)

	// no sole providers; 2 covers the most
	assert.Equal(t, []NodeID{2}, st.computeMprs(0, 1.0))
}

func TestComputeMprsWillingness(t *testing.T) {
	st := createOlsrState()
	symNeighbor(st, 1, WillDefault)
	symNeighbor(st, 4, WillNever)
	symNeighbor(st, 5, WillAlways)
	twoHop(st, 1, 10)
	twoHop(st, 4, 14)

	// 4 never relays, so 14 stays uncovered; 5 always relays
	assert.Equal(t, []NodeID{1, 5}, st.computeMprs(0, 1.0))
}

func TestComputeMprsIgnoresNeighborsAndSelf(t *testing.T) {
	st := createOlsrState()
	symNeighbor(st, 1, WillDefault)
	symNeighbor(st, 2, WillDefault)
	twoHop(st, 1, 0, 2)

	assert.Empty(t, st.computeMprs(0, 1.0))
}

func TestComputeMprsTieGoesToWillingnessThenId(t *testing.T) {
	st := createOlsrState()
	symNeighbor(st, 1, WillDefault)
	symNeighbor(st, 2, WillDefault)
	twoHop(st, 1, 10, 11)
	twoHop(st, 2, 10, 11)
	assert.Equal(t, []NodeID{1}, st.computeMprs(0, 1.0))

	st.Neighbors[2].Willingness = WillHigh
	assert.Equal(t, []NodeID{2}, st.computeMprs(0, 1.0))
}

func TestPurgeExpiresTuples(t *testing.T) {
	st := createOlsrState()
	symNeighbor(st, 1, WillDefault)
	twoHop(st, 1, 10)
	st.Topology[topoKey{last: 10, dest: 20}] = &TopologyTuple{Originator: 10, Dest: 20, Seq: 1,
		LastHeard: 0.0, Validity: 15.0}
	st.MprSelectors[1] = &MprSelectorTuple{Selector: 1, LastHeard: 0.0, Validity: 6.0}
	st.Duplicates[dupKey{orig: 10, seq: 1}] = &DuplicateTuple{Expires: 30.0}

	// validity ends exactly now: still there
	assert.False(t, st.purge(6.0))
	assert.Len(t, st.Neighbors, 1)
	assert.Len(t, st.TwoHops, 1)

	assert.True(t, st.purge(6.5))
	assert.Empty(t, st.Neighbors)
	assert.Empty(t, st.TwoHops)
	assert.Empty(t, st.MprSelectors)
	assert.Len(t, st.Topology, 1)

	assert.True(t, st.purge(15.5))
	assert.Empty(t, st.Topology)
	assert.Len(t, st.Duplicates, 1)

	assert.False(t, st.purge(31.0))
	assert.Empty(t, st.Duplicates)
}

func TestPurgeDemotesLapsedSymmetricLink(t *testing.T) {
	st := createOlsrState()
	st.Neighbors[1] = &NeighborTuple{ID: 1, Status: statusSym, LastHeard: 5.0, SymHeard: 0.0, Validity: 6.0}

	assert.Equal(t, []NodeID{1}, st.SymNeighbors(6.0))
	assert.True(t, st.purge(6.5))
	assert.Equal(t, statusAsym, st.Neighbors[1].Status)
	assert.Empty(t, st.SymNeighbors(6.5))
	assert.False(t, st.isSymNeighbor(1, 6.5))
}
