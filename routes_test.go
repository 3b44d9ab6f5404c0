package manet

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routedState gives node 0 symmetric neighbors 1 and 2, both reaching 3, a TC
// chain 3-4-5 behind it, an asymmetric neighbor 6 and a detached pair 8-9
func routedState() *OlsrState {
	st := createOlsrState()
	symNeighbor(st, 1, WillDefault)
	symNeighbor(st, 2, WillDefault)
	st.Neighbors[6] = &NeighborTuple{ID: 6, Status: statusAsym, LastHeard: 0.0, SymHeard: -1.0, Validity: 6.0}
	twoHop(st, 1, 3)
	twoHop(st, 2, 3)
	twoHop(st, 6, 7)
	for _, edge := range [][2]NodeID{{3, 4}, {4, 5}, {8, 9}} {
		st.Topology[topoKey{last: edge[0], dest: edge[1]}] = &TopologyTuple{Originator: edge[0], Dest: edge[1],
			Seq: 1, LastHeard: 0.0, Validity: 15.0}
	}
	return st
}

func TestComputeRoutes(t *testing.T) {
	st := routedState()
	got := computeRoutes(0, st, 1.0)

	want := map[NodeID]RouteEntry{
		1: {Dest: 1, NextHop: 1, Hops: 1},
		2: {Dest: 2, NextHop: 2, Hops: 1},
		3: {Dest: 3, NextHop: 1, Hops: 2},
		4: {Dest: 4, NextHop: 1, Hops: 3},
		5: {Dest: 5, NextHop: 1, Hops: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeRoutesPrefersShorterPath(t *testing.T) {
	st := routedState()
	// a TC from 2 reveals a direct link 2-5
	st.Topology[topoKey{last: 2, dest: 5}] = &TopologyTuple{Originator: 2, Dest: 5, Seq: 1, LastHeard: 0.0, Validity: 15.0}

	got := computeRoutes(0, st, 1.0)
	assert.Equal(t, RouteEntry{Dest: 5, NextHop: 2, Hops: 2}, got[5])
	assert.Equal(t, RouteEntry{Dest: 4, NextHop: 1, Hops: 3}, got[4])
}

func TestComputeRoutesAfterNeighborLoss(t *testing.T) {
	st := routedState()
	delete(st.Neighbors, 1)

	got := computeRoutes(0, st, 1.0)
	assert.Equal(t, NodeID(2), got[3].NextHop)
	_, present := got[1]
	assert.False(t, present)
}

func TestComputeRoutesIgnoresStaleTopology(t *testing.T) {
	st := createOlsrState()
	symNeighbor(st, 2, WillDefault)
	twoHop(st, 2, 3)
	// 1 was a neighbor once; its last TC still advertises this node and 5
	for _, edge := range [][2]NodeID{{3, 4}, {4, 5}, {1, 0}, {1, 5}} {
		st.Topology[topoKey{last: edge[0], dest: edge[1]}] = &TopologyTuple{Originator: edge[0], Dest: edge[1],
			Seq: 1, LastHeard: 0.0, Validity: 15.0}
	}

	got := computeRoutes(0, st, 1.0)
	want := map[NodeID]RouteEntry{
		2: {Dest: 2, NextHop: 2, Hops: 1},
		3: {Dest: 3, NextHop: 2, Hops: 2},
		4: {Dest: 4, NextHop: 2, Hops: 3},
		5: {Dest: 5, NextHop: 2, Hops: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	// links into this node never appear in the graph
	connGraph := buildLinkGraph(0, st, 1.0)
	assert.Nil(t, connGraph.Edge(1, 0))
	assert.NotNil(t, connGraph.Edge(0, 2))
	assert.Nil(t, connGraph.Edge(2, 0))
}

func TestForwardTable(t *testing.T) {
	plan, err := CreateAddressPlan("10.0.0.0/24", 10)
	require.NoError(t, err)
	alias := netip.MustParseAddr("192.168.0.3")
	require.NoError(t, plan.AddAlias(3, alias))

	st := routedState()
	st.Mid[3] = &MidTuple{Originator: 3, Addrs: []netip.Addr{alias}, LastHeard: 0.0, Validity: 15.0}
	routes := computeRoutes(0, st, 1.0)
	fwd := buildForwardTable(routes, st, plan)

	entry, ok := fwd.Lookup(plan.MainAddr(4))
	require.True(t, ok)
	assert.Equal(t, NodeID(1), entry.NextHop)

	entry, ok = fwd.Lookup(alias)
	require.True(t, ok)
	assert.Equal(t, NodeID(3), entry.Dest)

	_, ok = fwd.Lookup(plan.MainAddr(8))
	assert.False(t, ok)

	assert.Contains(t, ShowRoutes(routes), "5 via 1 (4 hops)")
}
