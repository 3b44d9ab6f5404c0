package manet

// routes.go computes an OLSR node's routing table from its information repositories.
//
// The general approach is to convert what the node knows of the network into the
// data structures used by a graph package that has built-in path discovery algorithms.
// The graph is directed.  It holds an edge from this node to each symmetric neighbor,
// from each symmetric neighbor to each of its 2-hop neighbors, and from each TC originator
// to each node it advertises.  Nothing points back at this node, so a path can only leave
// it through a symmetric neighbor, and a TC originator only extends a path that already
// reaches it.  Weighting each edge by 1, a shortest path minimizes the number of hops.
//
//   The Dijkstra algorithm we call computes a tree of shortest paths from a named node.
// The tree rooted in this node gives the hop count to every destination.  Several
// neighbors may begin a shortest path; to pick the one with the smallest id we also
// compute the trees rooted in the neighbors, and take the first (in id order) whose
// distance to the destination is one less than ours.

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/gaissmai/bart"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// RouteEntry is one line of the routing table
type RouteEntry struct {
	Dest    NodeID
	NextHop NodeID
	Hops    int
}

func (re RouteEntry) String() string {
	return fmt.Sprintf("%d via %d (%d hops)", re.Dest, re.NextHop, re.Hops)
}

// buildLinkGraph returns a graph.Graph data structure holding every usable link
// node 'self' knows of at time now, directed away from self
func buildLinkGraph(self NodeID, st *OlsrState, now float64) graph.Graph {
	connGraph := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	connGraph.AddNode(simple.Node(self))

	addEdge := func(a, b NodeID) {
		if a == b || b == self {
			return
		}
		// represent the edge (with weight 1) in the form that the graph module represents it
		weightedEdge := simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: 1.0}
		connGraph.SetWeightedEdge(weightedEdge)
	}

	syms := st.SymNeighbors(now)
	for _, nbr := range syms {
		addEdge(self, nbr)
	}
	for _, tt := range st.TwoHops {
		if st.isSymNeighbor(tt.Neighbor, now) {
			addEdge(tt.Neighbor, tt.TwoHop)
		}
	}
	for _, tt := range st.Topology {
		addEdge(tt.Originator, tt.Dest)
	}
	return connGraph
}

// computeRoutes returns the routing table of node self, from the repositories in st
// as they stand at time now.  Unreachable nodes have no entry.
func computeRoutes(self NodeID, st *OlsrState, now float64) map[NodeID]RouteEntry {
	routes := make(map[NodeID]RouteEntry)
	connGraph := buildLinkGraph(self, st, now)

	// let graph/path.DijkstraFrom compute the tree rooted in this node
	spTree := path.DijkstraFrom(connGraph.Node(int64(self)), connGraph)

	// trees rooted in each symmetric neighbor, used to choose among equal length paths
	syms := st.SymNeighbors(now)
	nbrTrees := make(map[NodeID]path.Shortest, len(syms))
	for _, nbr := range syms {
		nbrTrees[nbr] = path.DijkstraFrom(connGraph.Node(int64(nbr)), connGraph)
	}

	nodes := connGraph.Nodes()
	for nodes.Next() {
		dest := NodeID(nodes.Node().ID())
		if dest == self {
			continue
		}
		dist := spTree.WeightTo(int64(dest))
		if math.IsInf(dist, 1) {
			continue
		}
		for _, nbr := range syms {
			if nbrTrees[nbr].WeightTo(int64(dest))+1.0 == dist {
				routes[dest] = RouteEntry{Dest: dest, NextHop: nbr, Hops: int(dist)}
				break
			}
		}
	}
	return routes
}

// hostPrefix is the /32 prefix covering exactly addr
func hostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// buildForwardTable maps every address of every routed destination, main
// addresses and those declared in MID messages, to its route
func buildForwardTable(routes map[NodeID]RouteEntry, st *OlsrState, book AddressBook) *bart.Table[RouteEntry] {
	fwd := new(bart.Table[RouteEntry])
	for _, dest := range sortedIDs(routes) {
		entry := routes[dest]
		fwd.Insert(hostPrefix(book.MainAddr(dest)), entry)
		if mt, present := st.Mid[dest]; present {
			for _, alias := range mt.Addrs {
				fwd.Insert(hostPrefix(alias), entry)
			}
		}
	}
	return fwd
}

// ShowRoutes returns a string that lists a routing table, one destination per line,
// in destination order
func ShowRoutes(routes map[NodeID]RouteEntry) string {
	lines := make([]string, 0, len(routes))
	for _, dest := range sortedIDs(routes) {
		lines = append(lines, routes[dest].String())
	}
	return strings.Join(lines, "\n")
}
