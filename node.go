package manet

// node.go holds the structs and methods of a network node: its addresses,
// its OLSR engine, the table of UDP applications bound to its ports, and
// the data plane that forwards UDP packets hop by hop along OLSR routes.

import (
	"fmt"
	"log/slog"
	"net/netip"
)

// defaultTTL is the IP time-to-live of every data packet a node originates
const defaultTTL = 64

// firstEphemeralPort is where a node starts allocating local ports for clients
const firstEphemeralPort = 49153

// AddressPlan assigns main addresses, host i+1 of the base prefix going to
// node i, and remembers the alias addresses nodes declare
type AddressPlan struct {
	base    netip.Prefix
	mains   []netip.Addr
	byAddr  map[netip.Addr]NodeID
	aliases map[NodeID][]netip.Addr
}

// CreateAddressPlan is a constructor.  The prefix must be IPv4 and hold n hosts.
func CreateAddressPlan(base string, n int) (*AddressPlan, error) {
	pfx, err := netip.ParsePrefix(base)
	if err != nil || !pfx.Addr().Is4() {
		return nil, configErrorf("address base %q is not an IPv4 prefix", base)
	}
	pfx = pfx.Masked()
	if n >= 1<<(32-pfx.Bits())-1 {
		return nil, configErrorf("address base %s too small for %d nodes", base, n)
	}
	ap := &AddressPlan{base: pfx, mains: make([]netip.Addr, 0, n),
		byAddr: make(map[netip.Addr]NodeID), aliases: make(map[NodeID][]netip.Addr)}

	addr := pfx.Addr()
	for idx := 0; idx < n; idx++ {
		addr = addr.Next()
		ap.mains = append(ap.mains, addr)
		ap.byAddr[addr] = NodeID(idx)
	}
	return ap, nil
}

// AddAlias declares an extra interface address of node id
func (ap *AddressPlan) AddAlias(id NodeID, alias netip.Addr) error {
	if owner, present := ap.byAddr[alias]; present {
		return configErrorf("alias %s of node %d already belongs to node %d", alias, id, owner)
	}
	ap.byAddr[alias] = id
	ap.aliases[id] = append(ap.aliases[id], alias)
	return nil
}

// MainAddr is the address node id originates OLSR messages and data from
func (ap *AddressPlan) MainAddr(id NodeID) netip.Addr {
	return ap.mains[id]
}

// Aliases lists the extra interface addresses of node id
func (ap *AddressPlan) Aliases(id NodeID) []netip.Addr {
	return ap.aliases[id]
}

// NodeOf finds the node owning a main or alias address
func (ap *AddressPlan) NodeOf(addr netip.Addr) (NodeID, bool) {
	id, present := ap.byAddr[addr]
	return id, present
}

// Broadcast is the directed broadcast address of the base prefix
func (ap *AddressPlan) Broadcast() netip.Addr {
	a4 := ap.base.Addr().As4()
	bits := ap.base.Bits()
	for idx := range a4 {
		for bit := 0; bit < 8; bit++ {
			if idx*8+bit >= bits {
				a4[idx] |= 0x80 >> bit
			}
		}
	}
	return netip.AddrFrom4(a4)
}

// NumNodes is the number of nodes the plan addresses
func (ap *AddressPlan) NumNodes() int {
	return len(ap.mains)
}

// DataPacket is a UDP datagram of the echo traffic.  Size counts the UDP payload only.
type DataPacket struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	SentAt  float64
	Size    int
	TTL     uint8
}

// Key is the flow the packet belongs to
func (dp *DataPacket) Key() FlowKey {
	return FlowKey{Src: dp.Src, Dst: dp.Dst, SrcPort: dp.SrcPort, DstPort: dp.DstPort, Protocol: protoUDP}
}

// udpApp is implemented by applications bound to a node port
type udpApp interface {
	receiveUDP(es *EventScheduler, node *Node, pkt *DataPacket)
}

// Node is one host of the ad-hoc network
type Node struct {
	ID      NodeID
	Addr    netip.Addr
	Aliases []netip.Addr
	Olsr    *OlsrEngine

	apps     map[uint16]udpApp
	nxtPort  uint16
	ch       *Channel
	mon      *FlowMonitor
	traceMgr *TraceManager
	logger   *slog.Logger
}

// createNode is a constructor.  The caller attaches the node to the channel.
func createNode(id NodeID, plan *AddressPlan, ch *Channel, mon *FlowMonitor, logger *slog.Logger) *Node {
	node := new(Node)
	node.ID = id
	node.Addr = plan.MainAddr(id)
	node.Aliases = plan.Aliases(id)
	node.apps = make(map[uint16]udpApp)
	node.nxtPort = firstEphemeralPort
	node.ch = ch
	node.mon = mon
	node.logger = logger.With("node", int(id))
	return node
}

// bind attaches an application to a port
func (node *Node) bind(port uint16, app udpApp) error {
	if _, present := node.apps[port]; present {
		return configErrorf("node %d port %d already bound", node.ID, port)
	}
	node.apps[port] = app
	return nil
}

// ephemeralPort allocates an unused local port
func (node *Node) ephemeralPort() uint16 {
	for {
		port := node.nxtPort
		node.nxtPort += 1
		if _, present := node.apps[port]; !present {
			return port
		}
	}
}

// owns reports whether addr is one of the node's interface addresses
func (node *Node) owns(addr netip.Addr) bool {
	if addr == node.Addr {
		return true
	}
	for _, alias := range node.Aliases {
		if alias == addr {
			return true
		}
	}
	return false
}

// SendUDP originates a datagram of size payload bytes and starts it on its way
func (node *Node) SendUDP(es *EventScheduler, srcPort uint16, dst netip.Addr, dstPort uint16,
	seq uint32, size int) *DataPacket {

	pkt := &DataPacket{Src: node.Addr, Dst: dst, SrcPort: srcPort, DstPort: dstPort,
		Seq: seq, SentAt: es.CurrentSeconds(), Size: size, TTL: defaultTTL}
	node.mon.OnDataTx(pkt.Key(), size+ipUDPHeaderBytes, pkt.SentAt)
	AddNetTrace(node.traceMgr, es.CurrentTime(), DataType, int(node.ID), -1, "tx", "udp", int(seq), size)
	node.route(es, pkt)
	return pkt
}

// route delivers pkt locally, or hands it to the radio addressed to the next hop
func (node *Node) route(es *EventScheduler, pkt *DataPacket) {
	if node.owns(pkt.Dst) {
		es.after(node, pkt, deliverLocal, 0.0)
		return
	}
	entry, ok := node.Olsr.LookupAddr(pkt.Dst)
	if !ok {
		node.dropData(es, pkt, "no route")
		return
	}
	node.ch.Transmit(es, node.ID, &Frame{Kind: DataFrame, Dst: entry.NextHop, Data: pkt})
}

func deliverLocal(es *EventScheduler, context any, data any) any {
	node := context.(*Node)
	node.deliver(es, data.(*DataPacket))
	return nil
}

// dropData discards a datagram, reporting the reason to the monitor
func (node *Node) dropData(es *EventScheduler, pkt *DataPacket, reason string) {
	node.mon.OnDataLoss(pkt.Key(), reason)
	node.logger.Debug("data packet dropped", "t", es.CurrentSeconds(), "dst", pkt.Dst.String(),
		"seq", pkt.Seq, "reason", reason)
	AddNetTrace(node.traceMgr, es.CurrentTime(), DataType, int(node.ID), -1, "drop", reason, int(pkt.Seq), pkt.Size)
}

// deliver hands a datagram addressed to this node to the application on its port
func (node *Node) deliver(es *EventScheduler, pkt *DataPacket) {
	now := es.CurrentSeconds()
	node.mon.OnDataRx(pkt.Key(), pkt.Size+ipUDPHeaderBytes, pkt.SentAt, now)
	AddNetTrace(node.traceMgr, es.CurrentTime(), DataType, int(node.ID), -1, "rx", "udp", int(pkt.Seq), pkt.Size)
	app, present := node.apps[pkt.DstPort]
	if !present {
		node.logger.Debug("no application on port", "t", now, "port", pkt.DstPort)
		return
	}
	app.receiveUDP(es, node, pkt)
}

// receiveFrame is called by the channel when a frame arrives at this node's radio
func (node *Node) receiveFrame(es *EventScheduler, frame *Frame) {
	if frame.Kind == ControlFrame {
		node.Olsr.receive(frame)
		return
	}

	// each hop works on its own copy
	pkt := *frame.Data
	if node.owns(pkt.Dst) {
		node.deliver(es, &pkt)
		return
	}
	if pkt.TTL <= 1 {
		node.dropData(es, &pkt, "ttl expired")
		return
	}
	pkt.TTL -= 1
	AddNetTrace(node.traceMgr, es.CurrentTime(), DataType, int(node.ID), int(frame.Src), "fwd", "udp", int(pkt.Seq), pkt.Size)
	node.route(es, &pkt)
}

func (node *Node) String() string {
	return fmt.Sprintf("node %d (%s)", node.ID, node.Addr)
}
