package manet

// echo.go holds the UDP echo applications that generate the measured traffic.
// A client sends fixed size requests at a fixed interval to a server, which
// sends each request it receives back to where it came from.  Nothing is retransmitted.

import (
	"net/netip"
)

// EchoClient periodically sends requests to an echo server
type EchoClient struct {
	node       *Node
	target     netip.Addr
	port       uint16
	localPort  uint16
	packetSize int
	interval   float64
	maxPackets int
	startTime  float64
	stopTime   float64

	running  bool
	sendEvt  int
	Sent     int
	Received int
	RttSum   float64 // summed round trip times of the replies received
}

// EchoServer answers every request it receives while running
type EchoServer struct {
	node      *Node
	port      uint16
	startTime float64
	stopTime  float64
	running   bool
	Received  int
}

// StartClient installs an echo client on node, sending to target:port.  The first
// request leaves at startTime, the following ones every interval while fewer than
// maxPackets have been sent and stopTime has not been reached.
func StartClient(es *EventScheduler, node *Node, target netip.Addr, port int, packetSize int,
	interval float64, maxPackets int, startTime, stopTime float64) (*EchoClient, error) {

	if port <= 0 || port > 65535 {
		return nil, configErrorf("echo client port %d out of range", port)
	}
	if packetSize <= 0 || maxPackets <= 0 {
		return nil, configErrorf("echo client packet size %d and count %d must be positive", packetSize, maxPackets)
	}
	if !(interval > 0.0) {
		return nil, configErrorf("echo client interval %v must be positive", interval)
	}
	now := es.CurrentSeconds()
	if startTime < now || stopTime < startTime {
		return nil, configErrorf("echo client window [%v,%v] invalid at time %v", startTime, stopTime, now)
	}

	ec := &EchoClient{node: node, target: target, port: uint16(port), packetSize: packetSize,
		interval: interval, maxPackets: maxPackets, startTime: startTime, stopTime: stopTime}
	ec.localPort = node.ephemeralPort()
	if err := node.bind(ec.localPort, ec); err != nil {
		return nil, err
	}

	// the stop is scheduled first so that a send falling at stopTime finds the client stopped
	es.after(ec, nil, stopClient, stopTime-now)
	es.after(ec, nil, startClient, startTime-now)
	return ec, nil
}

func startClient(es *EventScheduler, context any, data any) any {
	ec := context.(*EchoClient)
	if es.CurrentSeconds() >= ec.stopTime {
		return nil
	}
	ec.running = true
	ec.send(es)
	return nil
}

func stopClient(es *EventScheduler, context any, data any) any {
	ec := context.(*EchoClient)
	ec.running = false
	es.Cancel(ec.sendEvt)
	return nil
}

func clientSend(es *EventScheduler, context any, data any) any {
	ec := context.(*EchoClient)
	ec.send(es)
	return nil
}

// send emits one request and arms the next
func (ec *EchoClient) send(es *EventScheduler) {
	if !ec.running {
		return
	}
	ec.node.SendUDP(es, ec.localPort, ec.target, ec.port, uint32(ec.Sent), ec.packetSize)
	ec.Sent += 1
	ec.node.logger.Info("client sent", "t", es.CurrentSeconds(), "bytes", ec.packetSize,
		"to", ec.target.String(), "port", ec.port)
	if ec.Sent < ec.maxPackets {
		ec.sendEvt = es.after(ec, nil, clientSend, ec.interval)
	}
}

func (ec *EchoClient) receiveUDP(es *EventScheduler, node *Node, pkt *DataPacket) {
	ec.Received += 1
	ec.RttSum += es.CurrentSeconds() - pkt.SentAt
	node.logger.Info("client received", "t", es.CurrentSeconds(), "bytes", pkt.Size,
		"from", pkt.Src.String(), "port", pkt.SrcPort)
}

// StartServer installs an echo server on node, listening on port between startTime and stopTime
func StartServer(es *EventScheduler, node *Node, port int, startTime, stopTime float64) (*EchoServer, error) {
	if port <= 0 || port > 65535 {
		return nil, configErrorf("echo server port %d out of range", port)
	}
	now := es.CurrentSeconds()
	if startTime < now || stopTime < startTime {
		return nil, configErrorf("echo server window [%v,%v] invalid at time %v", startTime, stopTime, now)
	}
	srv := &EchoServer{node: node, port: uint16(port), startTime: startTime, stopTime: stopTime}
	if err := node.bind(srv.port, srv); err != nil {
		return nil, err
	}
	es.after(srv, nil, stopServer, stopTime-now)
	es.after(srv, nil, startServer, startTime-now)
	return srv, nil
}

func startServer(es *EventScheduler, context any, data any) any {
	srv := context.(*EchoServer)
	if es.CurrentSeconds() < srv.stopTime {
		srv.running = true
	}
	return nil
}

func stopServer(es *EventScheduler, context any, data any) any {
	context.(*EchoServer).running = false
	return nil
}

// receiveUDP echoes the request back to its sender, with a fresh send time
func (srv *EchoServer) receiveUDP(es *EventScheduler, node *Node, pkt *DataPacket) {
	if !srv.running {
		return
	}
	srv.Received += 1
	node.logger.Info("server received", "t", es.CurrentSeconds(), "bytes", pkt.Size,
		"from", pkt.Src.String(), "port", pkt.SrcPort)
	node.SendUDP(es, srv.port, pkt.Src, pkt.SrcPort, pkt.Seq, pkt.Size)
	node.logger.Info("server sent", "t", es.CurrentSeconds(), "bytes", pkt.Size,
		"to", pkt.Src.String(), "port", pkt.SrcPort)
}
