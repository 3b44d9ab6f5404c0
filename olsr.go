package manet

// olsr.go holds the per-node OLSR engine.  An engine is a small state machine,
// Idle until started, Active while it emits and processes control traffic, and
// Stopped (for good) afterwards.  While Active, three self-rescheduling timers emit
// HELLO, TC and MID messages, and every control frame heard on the channel is
// processed against the node's information repositories, possibly forwarded,
// and followed by a recomputation of the routing table if anything changed.

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/gaissmai/bart"
	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
)

// TC emission policies
const (
	// TcPolicyMpr emits TCs only while some neighbor has selected this node as an MPR,
	// advertising those selectors
	TcPolicyMpr = "mpr"

	// TcPolicyAlways emits a TC every interval, advertising every symmetric neighbor
	TcPolicyAlways = "always"
)

// EngineState is the lifecycle state of an OLSR engine
type EngineState int

const (
	EngineIdle EngineState = iota
	EngineActive
	EngineStopped
)

func (es EngineState) String() string {
	switch es {
	case EngineIdle:
		return "idle"
	case EngineActive:
		return "active"
	case EngineStopped:
		return "stopped"
	}
	return "unknown"
}

// AddressBook translates between node ids and their main addresses
type AddressBook interface {
	MainAddr(id NodeID) netip.Addr
	NodeOf(addr netip.Addr) (NodeID, bool)
}

// Transmitter puts a frame on the air
type Transmitter interface {
	Transmit(es *EventScheduler, from NodeID, frame *Frame)
}

// EmitObserver is called synchronously each time an engine sends a control
// message, originated or forwarded, with the message type and the packet size in bytes
type EmitObserver func(from NodeID, kind MessageType, size int)

// OlsrCounters tallies what an engine has done
type OlsrCounters struct {
	HelloSent int
	TcSent    int
	MidSent   int
	Forwarded int
	Received  int
	Dropped   int
}

// OlsrEngine runs OLSR for one node
type OlsrEngine struct {
	id       NodeID
	addr     netip.Addr
	aliases  []netip.Addr
	desc     OlsrDesc
	book     AddressBook
	link     Transmitter
	onEmit   EmitObserver
	es       *EventScheduler
	rngstrm  *rngstream.RngStream // emission jitter, nil when there is none
	logger   *slog.Logger
	traceMgr *TraceManager

	state EngineState
	st    *OlsrState
	fwd   *bart.Table[RouteEntry]

	pktSeq     uint16
	msgSeq     uint16
	ansn       uint16
	advertised []NodeID // neighbors in the last TC sent

	helloEvt, tcEvt, midEvt int
	counters                OlsrCounters
}

// CreateOlsrEngine is a constructor.  The engine starts Idle.
func CreateOlsrEngine(es *EventScheduler, id NodeID, book AddressBook, desc OlsrDesc,
	link Transmitter, onEmit EmitObserver) *OlsrEngine {

	oe := new(OlsrEngine)
	oe.id = id
	oe.addr = book.MainAddr(id)
	oe.aliases = []netip.Addr{}
	oe.desc = desc
	oe.book = book
	oe.link = link
	oe.onEmit = onEmit
	oe.es = es
	oe.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	oe.state = EngineIdle
	oe.st = createOlsrState()
	oe.fwd = new(bart.Table[RouteEntry])
	oe.advertised = []NodeID{}
	return oe
}

// SetAliases gives the node interface addresses beyond its main one, which turns on MID emission
func (oe *OlsrEngine) SetAliases(aliases []netip.Addr) {
	oe.aliases = slices.Clone(aliases)
}

// SetJitter supplies the random stream used to jitter emissions
func (oe *OlsrEngine) SetJitter(rng *rngstream.RngStream) {
	oe.rngstrm = rng
}

func (oe *OlsrEngine) SetLogger(logger *slog.Logger) {
	oe.logger = logger.With("node", int(oe.id))
}

func (oe *OlsrEngine) SetTraceManager(tm *TraceManager) {
	oe.traceMgr = tm
}

func (oe *OlsrEngine) ID() NodeID             { return oe.id }
func (oe *OlsrEngine) State() EngineState     { return oe.state }
func (oe *OlsrEngine) Counters() OlsrCounters { return oe.counters }

// Repositories exposes the engine's tables, for inspection
func (oe *OlsrEngine) Repositories() *OlsrState {
	return oe.st
}

// Start moves the engine from Idle to Active and arms its timers.  The first
// HELLO and TC timers fire at the configured start time, or now if that has passed.
func (oe *OlsrEngine) Start() {
	if oe.state != EngineIdle {
		panic(fmt.Errorf("olsr engine %d started while %s", oe.id, oe.state))
	}
	oe.state = EngineActive
	first := oe.desc.StartTime - oe.es.CurrentSeconds()
	if first < 0.0 {
		first = 0.0
	}
	oe.helloEvt = oe.es.after(oe, nil, onHelloTimer, first)
	oe.tcEvt = oe.es.after(oe, nil, onTcTimer, first)
	if len(oe.aliases) > 0 {
		oe.midEvt = oe.es.after(oe, nil, onMidTimer, first)
	}
	oe.logger.Debug("olsr started", "t", oe.es.CurrentSeconds())
}

// Stop moves the engine to Stopped.  Pending timers are cancelled, and nothing
// is emitted or processed from now on.
func (oe *OlsrEngine) Stop() {
	if oe.state == EngineStopped {
		return
	}
	oe.state = EngineStopped
	if !oe.es.Stopped() {
		oe.es.Cancel(oe.helloEvt)
		oe.es.Cancel(oe.tcEvt)
		oe.es.Cancel(oe.midEvt)
	}
	oe.logger.Debug("olsr stopped", "t", oe.es.CurrentSeconds())
}

// LookupRoute gives the next hop towards dest.  The return is false if dest is unreachable.
func (oe *OlsrEngine) LookupRoute(dest NodeID) (NodeID, bool) {
	oe.refresh()
	entry, present := oe.st.Routes[dest]
	if !present {
		return BroadcastID, false
	}
	return entry.NextHop, true
}

// LookupAddr gives the route towards a main or MID-declared interface address
func (oe *OlsrEngine) LookupAddr(addr netip.Addr) (RouteEntry, bool) {
	oe.refresh()
	return oe.fwd.Lookup(addr)
}

// Routes returns a copy of the current routing table
func (oe *OlsrEngine) Routes() map[NodeID]RouteEntry {
	oe.refresh()
	routes := make(map[NodeID]RouteEntry, len(oe.st.Routes))
	for dest, entry := range oe.st.Routes {
		routes[dest] = entry
	}
	return routes
}

// MprSet returns the neighbors this node has selected as multipoint relays
func (oe *OlsrEngine) MprSet() []NodeID {
	oe.refresh()
	return slices.Clone(oe.st.MprSet)
}

// refresh drops expired tuples, and if that changed anything, recomputes
// the MPR set and the routing table
func (oe *OlsrEngine) refresh() {
	if oe.st.purge(oe.es.CurrentSeconds()) {
		oe.topologyChanged()
	}
}

// topologyChanged recomputes everything derived from the repositories
func (oe *OlsrEngine) topologyChanged() {
	now := oe.es.CurrentSeconds()
	oe.st.MprSet = oe.st.computeMprs(oe.id, now)
	oe.st.Routes = computeRoutes(oe.id, oe.st, now)
	oe.fwd = buildForwardTable(oe.st.Routes, oe.st, oe.book)
	oe.logger.Debug("routes recomputed", "t", now, "routes", len(oe.st.Routes), "mprs", oe.st.MprSet)
}

// jitter is the random delay applied to an emission
func (oe *OlsrEngine) jitter(interval float64) float64 {
	if oe.rngstrm == nil || oe.desc.JitterFraction <= 0.0 {
		return 0.0
	}
	return oe.rngstrm.RandU01() * oe.desc.JitterFraction * interval
}

func (oe *OlsrEngine) nextMsgSeq() uint16 {
	oe.msgSeq += 1
	return oe.msgSeq
}

// onHelloTimer fires every HelloInterval while the engine is Active
func onHelloTimer(es *EventScheduler, context any, data any) any {
	oe := context.(*OlsrEngine)
	if oe.state != EngineActive {
		return nil
	}
	oe.refresh()
	oe.sendHello()
	oe.helloEvt = es.after(oe, nil, onHelloTimer, oe.desc.HelloInterval)
	return nil
}

// onTcTimer fires every TcInterval while the engine is Active
func onTcTimer(es *EventScheduler, context any, data any) any {
	oe := context.(*OlsrEngine)
	if oe.state != EngineActive {
		return nil
	}
	oe.refresh()
	oe.sendTc()
	oe.tcEvt = es.after(oe, nil, onTcTimer, oe.desc.TcInterval)
	return nil
}

// onMidTimer fires every MidInterval while the engine is Active and has aliases
func onMidTimer(es *EventScheduler, context any, data any) any {
	oe := context.(*OlsrEngine)
	if oe.state != EngineActive || len(oe.aliases) == 0 {
		return nil
	}
	oe.sendMid()
	oe.midEvt = es.after(oe, nil, onMidTimer, oe.desc.MidInterval)
	return nil
}

// buildHello lists every neighbor with its link code, grouped in ascending link code order
func (oe *OlsrEngine) buildHello() ControlMessage {
	now := oe.es.CurrentSeconds()
	byCode := make(map[uint8][]netip.Addr)
	for _, id := range sortedIDs(oe.st.Neighbors) {
		nt := oe.st.Neighbors[id]
		linkType, neighType := AsymLink, NotNeigh
		if nt.symmetric(now) {
			linkType, neighType = SymLink, SymNeigh
			if slices.Contains(oe.st.MprSet, id) {
				neighType = MprNeigh
			}
		}
		code := LinkCode(linkType, neighType)
		byCode[code] = append(byCode[code], oe.book.MainAddr(id))
	}

	codes := make([]uint8, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	hello := &HelloBody{HTime: oe.desc.HelloInterval, Willingness: uint8(oe.desc.Willingness)}
	for _, code := range codes {
		hello.Links = append(hello.Links, LinkBlock{LinkCode: code, Neighbors: byCode[code]})
	}
	return ControlMessage{Type: HelloMessage, VTime: oe.desc.NeighbHoldTime, Originator: oe.addr,
		TTL: 1, HopCount: 0, Seq: oe.nextMsgSeq(), Hello: hello}
}

func (oe *OlsrEngine) sendHello() {
	msg := oe.buildHello()
	oe.counters.HelloSent += 1
	oe.emit(msg, oe.jitter(oe.desc.HelloInterval), false)
}

// advertisedSet is the neighbor set a TC would carry now, and whether a TC is due at all
func (oe *OlsrEngine) advertisedSet() ([]NodeID, bool) {
	now := oe.es.CurrentSeconds()
	if oe.desc.TcPolicy == TcPolicyAlways {
		return oe.st.SymNeighbors(now), true
	}
	selectors := oe.st.Selectors()
	return selectors, len(selectors) > 0
}

func (oe *OlsrEngine) sendTc() {
	advertised, due := oe.advertisedSet()
	if !due {
		return
	}
	if !slices.Equal(advertised, oe.advertised) {
		oe.ansn += 1
		oe.advertised = advertised
	}
	addrs := make([]netip.Addr, 0, len(advertised))
	for _, id := range advertised {
		addrs = append(addrs, oe.book.MainAddr(id))
	}
	msg := ControlMessage{Type: TcMessage, VTime: oe.desc.TopHoldTime, Originator: oe.addr,
		TTL: 255, HopCount: 0, Seq: oe.nextMsgSeq(), Tc: &TcBody{ANSN: oe.ansn, Advertised: addrs}}
	oe.counters.TcSent += 1
	oe.emit(msg, oe.jitter(oe.desc.TcInterval), false)
}

func (oe *OlsrEngine) sendMid() {
	msg := ControlMessage{Type: MidMessage, VTime: oe.desc.MidHoldTime, Originator: oe.addr,
		TTL: 255, HopCount: 0, Seq: oe.nextMsgSeq(), Mid: &MidBody{Addrs: slices.Clone(oe.aliases)}}
	oe.counters.MidSent += 1
	oe.emit(msg, oe.jitter(oe.desc.MidInterval), false)
}

// pendingEmission is a message waiting out its jitter
type pendingEmission struct {
	msg       ControlMessage
	forwarded bool
}

// emit sends msg in a packet of its own, after the given delay
func (oe *OlsrEngine) emit(msg ControlMessage, delay float64, forwarded bool) {
	pe := &pendingEmission{msg: msg, forwarded: forwarded}
	if delay > 0.0 {
		oe.es.after(oe, pe, sendPending, delay)
		return
	}
	oe.transmit(pe)
}

func sendPending(es *EventScheduler, context any, data any) any {
	oe := context.(*OlsrEngine)
	if oe.state != EngineActive {
		return nil
	}
	oe.transmit(data.(*pendingEmission))
	return nil
}

// transmit serializes the message, reports the emission, and hands the frame to the channel
func (oe *OlsrEngine) transmit(pe *pendingEmission) {
	oe.pktSeq += 1
	pkt := OlsrPacket{Seq: oe.pktSeq, Messages: []ControlMessage{pe.msg}}
	payload, err := pkt.Marshal()
	if err != nil {
		panic(err)
	}
	if oe.onEmit != nil {
		oe.onEmit(oe.id, pe.msg.Type, len(payload))
	}
	op := "tx"
	if pe.forwarded {
		op = "fwd"
	}
	AddNetTrace(oe.traceMgr, oe.es.CurrentTime(), ControlType, int(oe.id), int(BroadcastID), op,
		pe.msg.Type.String(), int(pe.msg.Seq), len(payload))
	oe.link.Transmit(oe.es, oe.id, &Frame{Kind: ControlFrame, Dst: BroadcastID, Payload: payload})
}

// drop discards a control message silently, leaving a trace of it
func (oe *OlsrEngine) drop(reason string, sender NodeID, msgType string) {
	oe.counters.Dropped += 1
	oe.logger.Debug("control message dropped", "t", oe.es.CurrentSeconds(), "from", int(sender),
		"type", msgType, "reason", reason)
	AddNetTrace(oe.traceMgr, oe.es.CurrentTime(), ControlType, int(oe.id), int(sender), "drop", msgType, 0, 0)
}

// receive processes a control frame heard on the channel
func (oe *OlsrEngine) receive(frame *Frame) {
	if oe.state != EngineActive {
		return
	}
	pkt, err := UnmarshalOlsrPacket(frame.Payload)
	if err != nil {
		oe.drop(err.Error(), frame.Src, "malformed")
		return
	}
	oe.refresh()

	changed := false
	for idx := range pkt.Messages {
		if oe.processMessage(frame.Src, &pkt.Messages[idx]) {
			changed = true
		}
	}
	if changed {
		oe.topologyChanged()
	}
}

// processMessage applies one message, and forwards it if this node relays for the sender.
// The return is true if a repository the routes depend on changed.
func (oe *OlsrEngine) processMessage(sender NodeID, cm *ControlMessage) bool {
	now := oe.es.CurrentSeconds()
	orig, known := oe.book.NodeOf(cm.Originator)
	if !known {
		oe.drop("unknown originator", sender, cm.Type.String())
		return false
	}
	if orig == oe.id || cm.TTL == 0 {
		return false
	}
	oe.counters.Received += 1
	AddNetTrace(oe.traceMgr, oe.es.CurrentTime(), ControlType, int(oe.id), int(sender), "rx",
		cm.Type.String(), int(cm.Seq), cm.size())

	if cm.Type == HelloMessage {
		if orig != sender {
			oe.drop("hello relayed", sender, cm.Type.String())
			return false
		}
		return oe.processHello(orig, cm)
	}

	// TC and MID are only accepted from symmetric neighbors, once
	if !oe.st.isSymNeighbor(sender, now) {
		oe.drop("sender not a symmetric neighbor", sender, cm.Type.String())
		return false
	}
	key := dupKey{orig: orig, seq: cm.Seq}
	if _, present := oe.st.Duplicates[key]; present {
		return false
	}

	changed := false
	switch cm.Type {
	case TcMessage:
		changed = oe.processTc(orig, cm)
	case MidMessage:
		changed = oe.processMid(orig, cm)
	}

	dup := &DuplicateTuple{Expires: now + oe.desc.DupHoldTime}
	oe.st.Duplicates[key] = dup

	// default forwarding: relay for MPR selectors while the message has hops left
	if _, selector := oe.st.MprSelectors[sender]; selector && cm.TTL > 1 {
		fwdMsg := *cm
		fwdMsg.TTL -= 1
		fwdMsg.HopCount += 1
		dup.Retransmitted = true
		oe.counters.Forwarded += 1
		oe.emit(fwdMsg, oe.jitter(oe.desc.HelloInterval), true)
	}
	return changed
}

// processHello performs link sensing, 2-hop neighbor and MPR selector bookkeeping
func (oe *OlsrEngine) processHello(orig NodeID, cm *ControlMessage) bool {
	now := oe.es.CurrentSeconds()
	changed := false

	nt, present := oe.st.Neighbors[orig]
	if !present {
		nt = &NeighborTuple{ID: orig, Status: statusAsym, SymHeard: -1.0}
		oe.st.Neighbors[orig] = nt
		changed = true
	}
	nt.LastHeard = now
	nt.Validity = cm.VTime
	nt.Willingness = int(cm.Hello.Willingness)

	// does the sender hear us?
	selectsUs := false
	for _, lb := range cm.Hello.Links {
		linkType, neighType := splitLinkCode(lb.LinkCode)
		for _, addr := range lb.Neighbors {
			if !oe.ownsAddr(addr) {
				continue
			}
			switch linkType {
			case LostLink:
				nt.SymHeard = -1.0
			case SymLink, AsymLink:
				nt.SymHeard = now
			}
			if neighType == MprNeigh {
				selectsUs = true
			}
		}
	}

	wasSym := nt.Status == statusSym
	if nt.symmetric(now) {
		nt.Status = statusSym
	} else {
		nt.Status = statusAsym
	}
	if wasSym != (nt.Status == statusSym) {
		changed = true
		oe.logger.Debug("neighbor link", "t", now, "neighbor", int(orig), "symmetric", !wasSym)
	}
	if nt.Status != statusSym {
		return changed
	}

	// 2-hop neighbors advertised by a symmetric neighbor
	for _, lb := range cm.Hello.Links {
		_, neighType := splitLinkCode(lb.LinkCode)
		for _, addr := range lb.Neighbors {
			twoHop, known := oe.book.NodeOf(addr)
			if !known || twoHop == oe.id {
				continue
			}
			key := twoHopKey{neighbor: orig, twoHop: twoHop}
			switch neighType {
			case SymNeigh, MprNeigh:
				tt, present := oe.st.TwoHops[key]
				if !present {
					tt = &TwoHopTuple{Neighbor: orig, TwoHop: twoHop}
					oe.st.TwoHops[key] = tt
					changed = true
				}
				tt.LastHeard = now
				tt.Validity = cm.VTime
			case NotNeigh:
				if _, present := oe.st.TwoHops[key]; present {
					delete(oe.st.TwoHops, key)
					changed = true
				}
			}
		}
	}

	if selectsUs {
		ms, present := oe.st.MprSelectors[orig]
		if !present {
			ms = &MprSelectorTuple{Selector: orig}
			oe.st.MprSelectors[orig] = ms
			oe.logger.Debug("selected as mpr", "t", now, "selector", int(orig))
		}
		ms.LastHeard = now
		ms.Validity = cm.VTime
	} else {
		delete(oe.st.MprSelectors, orig)
	}
	return changed
}

// seqGreater compares 16 bit sequence numbers with wrap-around
func seqGreater(s1, s2 uint16) bool {
	return (s1 > s2 && s1-s2 <= 32768) || (s2 > s1 && s2-s1 > 32768)
}

// processTc updates the topology set from a TC
func (oe *OlsrEngine) processTc(orig NodeID, cm *ControlMessage) bool {
	now := oe.es.CurrentSeconds()
	changed := false

	// a newer advertisement from this originator makes this one stale
	for _, tt := range oe.st.Topology {
		if tt.Originator == orig && seqGreater(tt.Seq, cm.Tc.ANSN) {
			return false
		}
	}
	// an older advertisement is superseded by this one
	for key, tt := range oe.st.Topology {
		if tt.Originator == orig && seqGreater(cm.Tc.ANSN, tt.Seq) {
			delete(oe.st.Topology, key)
			changed = true
		}
	}

	for _, addr := range cm.Tc.Advertised {
		dest, known := oe.book.NodeOf(addr)
		if !known {
			continue
		}
		key := topoKey{last: orig, dest: dest}
		tt, present := oe.st.Topology[key]
		if !present {
			tt = &TopologyTuple{Originator: orig, Dest: dest}
			oe.st.Topology[key] = tt
			changed = true
		}
		tt.Seq = cm.Tc.ANSN
		tt.LastHeard = now
		tt.Validity = cm.VTime
	}
	return changed
}

// processMid updates the interface association set from a MID
func (oe *OlsrEngine) processMid(orig NodeID, cm *ControlMessage) bool {
	now := oe.es.CurrentSeconds()
	mt, present := oe.st.Mid[orig]
	if !present {
		mt = &MidTuple{Originator: orig}
		oe.st.Mid[orig] = mt
	}
	changed := !slices.Equal(mt.Addrs, cm.Mid.Addrs)
	mt.Addrs = slices.Clone(cm.Mid.Addrs)
	mt.LastHeard = now
	mt.Validity = cm.VTime
	return changed
}

// ownsAddr reports whether addr is one of this node's interface addresses
func (oe *OlsrEngine) ownsAddr(addr netip.Addr) bool {
	return addr == oe.addr || slices.Contains(oe.aliases, addr)
}
