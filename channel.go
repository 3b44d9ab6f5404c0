package manet

// channel.go models the shared wireless medium.  The channel knows nothing of
// OLSR; it takes a frame from a node's radio and, once the frame has been on the
// air for its transmission time, delivers it to every node within range (a broadcast)
// or to the addressed node if that one is in range (a unicast), each after the
// propagation delay to that node.

import (
	"fmt"
	"math"

	"github.com/iti/rngstream"
)

// speedOfLight in meters per second, the propagation speed of a frame
const speedOfLight = 299792458.0

// ipUDPHeaderBytes is the IPv4 plus UDP header length wrapped around every payload
const ipUDPHeaderBytes = 28

// NodeID identifies a node.  Ids are dense, from 0.
type NodeID int

// BroadcastID addresses a frame to every node in range
const BroadcastID NodeID = -1

// Coordinates of a node, in meters
type Coordinates struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// DistanceTo is the euclidean distance between two positions
func (c Coordinates) DistanceTo(other Coordinates) float64 {
	return math.Sqrt(math.Pow(c.X-other.X, 2) + math.Pow(c.Y-other.Y, 2) + math.Pow(c.Z-other.Z, 2))
}

// PositionProvider gives the position of a node at a simulation time
type PositionProvider interface {
	Position(id NodeID, t float64) Coordinates
}

// StaticPositions is a PositionProvider for nodes that never move
type StaticPositions map[NodeID]Coordinates

func (sp StaticPositions) Position(id NodeID, t float64) Coordinates {
	return sp[id]
}

// FrameKind tells control frames from data frames
type FrameKind int

const (
	ControlFrame FrameKind = iota
	DataFrame
)

func (fk FrameKind) String() string {
	if fk == ControlFrame {
		return "control"
	}
	return "data"
}

// Frame is the unit the channel carries: an OLSR packet or a UDP data packet,
// plus the link layer addressing of the hop it is making
type Frame struct {
	Kind    FrameKind
	Src     NodeID // transmitting node
	Dst     NodeID // receiving node, or BroadcastID
	Payload []byte // the OLSR packet of a control frame
	Data    *DataPacket
}

// Size is the frame length at the network layer, IP and UDP headers included
func (f *Frame) Size() int {
	if f.Kind == DataFrame {
		return f.Data.Size + ipUDPHeaderBytes
	}
	return len(f.Payload) + ipUDPHeaderBytes
}

// FrameReceiver is implemented by whatever sits on top of a radio
type FrameReceiver interface {
	receiveFrame(es *EventScheduler, frame *Frame)
}

// FrameTap observes frames as they go onto the air (rx false) and as they
// arrive at a receiver (rx true).  'at' is the node doing the transmitting or receiving.
type FrameTap func(now float64, at NodeID, frame *Frame, rx bool)

// Channel is the shared medium all radios use
type Channel struct {
	desc      ChannelDesc
	positions PositionProvider
	receivers []FrameReceiver
	radios    []*radioQueue
	rngstrm   *rngstream.RngStream // draws frame losses
	taps      []FrameTap
	delivered int
	lost      int
}

// CreateChannel is a constructor.  The rng stream is only drawn from when the loss rate is positive.
func CreateChannel(desc ChannelDesc, positions PositionProvider, rng *rngstream.RngStream) *Channel {
	ch := new(Channel)
	ch.desc = desc
	ch.positions = positions
	ch.receivers = []FrameReceiver{}
	ch.radios = []*radioQueue{}
	ch.rngstrm = rng
	ch.taps = []FrameTap{}
	return ch
}

// Attach gives node id a radio on the channel.  Nodes must attach in id order.
func (ch *Channel) Attach(id NodeID, rcvr FrameReceiver) error {
	if int(id) != len(ch.receivers) {
		return configErrorf("node %d attached out of order, expected %d", id, len(ch.receivers))
	}
	ch.receivers = append(ch.receivers, rcvr)
	ch.radios = append(ch.radios, createRadioQueue())
	return nil
}

// AddTap registers an observer of every frame transmission and reception
func (ch *Channel) AddTap(tap FrameTap) {
	ch.taps = append(ch.taps, tap)
}

// TxTime is the air time of a frame of the given network layer size
func (ch *Channel) TxTime(size int) float64 {
	bits := float64(8 * (size + ch.desc.MacOverheadBytes))
	return ch.desc.PhyOverheadSec + bits/(ch.desc.DataRateMbps*1e6)
}

// InRange reports whether b hears a transmission from a at time t
func (ch *Channel) InRange(a, b NodeID, t float64) bool {
	return ch.distance(a, b, t) <= ch.desc.RangeMeters
}

func (ch *Channel) distance(a, b NodeID, t float64) float64 {
	return ch.positions.Position(a, t).DistanceTo(ch.positions.Position(b, t))
}

// Transmit hands a frame to the radio of node 'from'
func (ch *Channel) Transmit(es *EventScheduler, from NodeID, frame *Frame) {
	if int(from) < 0 || int(from) >= len(ch.radios) {
		panic(fmt.Errorf("transmit from unattached node %d", from))
	}
	frame.Src = from
	ch.radios[from].schedule(es, ch.TxTime(frame.Size()), frame, ch, frameOnAir)
}

// Backlog is the number of frames queued behind the one node 'id' is sending
func (ch *Channel) Backlog(id NodeID) int {
	return ch.radios[id].qlen()
}

// AirTime is the total time, in seconds, node 'id' has spent transmitting completed frames
func (ch *Channel) AirTime(id NodeID) float64 {
	return ch.radios[id].busyTime
}

// FramesSent is the number of frames node 'id' has finished putting on the air
func (ch *Channel) FramesSent(id NodeID) int {
	return ch.radios[id].sent
}

// Busiest returns the node with the most air time, lowest id first among equals
func (ch *Channel) Busiest() NodeID {
	busiest := NodeID(0)
	for idx, rq := range ch.radios {
		if rq.busyTime > ch.radios[busiest].busyTime {
			busiest = NodeID(idx)
		}
	}
	return busiest
}

// Delivered and Lost count frame arrivals and channel losses
func (ch *Channel) Delivered() int { return ch.delivered }
func (ch *Channel) Lost() int      { return ch.lost }

// frameOnAir is called when the last bit of a frame has been transmitted.  It
// schedules the arrival at each receiver in range, in node id order.
func frameOnAir(es *EventScheduler, context any, data any) any {
	ch := context.(*Channel)
	frame := data.(*Frame)
	now := es.CurrentSeconds()

	for _, tap := range ch.taps {
		tap(now, frame.Src, frame, false)
	}

	for idx := range ch.receivers {
		rcvID := NodeID(idx)
		if rcvID == frame.Src {
			continue
		}
		if frame.Dst != BroadcastID && frame.Dst != rcvID {
			continue
		}
		dist := ch.distance(frame.Src, rcvID, now)
		if dist > ch.desc.RangeMeters {
			continue
		}
		if ch.desc.LossRate > 0.0 && ch.rngstrm.RandU01() < ch.desc.LossRate {
			ch.lost += 1
			continue
		}
		es.after(ch, &arrival{to: rcvID, frame: frame}, frameArrives, dist/speedOfLight)
	}
	return nil
}

type arrival struct {
	to    NodeID
	frame *Frame
}

func frameArrives(es *EventScheduler, context any, data any) any {
	ch := context.(*Channel)
	arr := data.(*arrival)
	ch.delivered += 1
	for _, tap := range ch.taps {
		tap(es.CurrentSeconds(), arr.to, arr.frame, true)
	}
	ch.receivers[arr.to].receiveFrame(es, arr.frame)
	return nil
}
