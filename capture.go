package manet

// capture.go writes one pcap file per node holding every frame the node put on
// the air or received, framed as Ethernet/IPv4/UDP.  Packet timestamps are
// simulation times counted from the Unix epoch, so captures of identical runs are identical.

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// captureSnapLen is the snapshot length declared in each file header
const captureSnapLen = 65536

// CaptureFileName is the pcap file of node id
func CaptureFileName(prefix string, id NodeID) string {
	return fmt.Sprintf("%s-%d-0.pcap", prefix, id)
}

// CaptureWriter owns the open pcap files of a run
type CaptureWriter struct {
	plan    *AddressPlan
	files   []*os.File
	writers []*pcapgo.Writer
	written []int
	err     error // first write error, reported by Close
}

// CreateCaptureWriter creates (truncating) the pcap file of every node in the plan
func CreateCaptureWriter(prefix string, plan *AddressPlan) (*CaptureWriter, error) {
	cw := &CaptureWriter{plan: plan}
	for idx := 0; idx < plan.NumNodes(); idx++ {
		f, err := os.Create(CaptureFileName(prefix, NodeID(idx)))
		if err != nil {
			cw.Close()
			return nil, err
		}
		cw.files = append(cw.files, f)

		pcapWriter := pcapgo.NewWriter(f)
		if err := pcapWriter.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
			cw.Close()
			return nil, err
		}
		cw.writers = append(cw.writers, pcapWriter)
		cw.written = append(cw.written, 0)
	}
	return cw, nil
}

// macOf is the locally administered hardware address given to node id
func macOf(id NodeID) net.HardwareAddr {
	if id == BroadcastID {
		return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, byte(id >> 8), byte(id)}
}

// encodeFrame serializes a frame the way it would appear on an Ethernet link
func (cw *CaptureWriter) encodeFrame(frame *Frame) ([]byte, error) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       macOf(frame.Src),
		DstMAC:       macOf(frame.Dst),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
	}
	udpLayer := &layers.UDP{}
	var payload []byte

	if frame.Kind == ControlFrame {
		ipLayer.SrcIP = net.IP(cw.plan.MainAddr(frame.Src).AsSlice())
		ipLayer.DstIP = net.IP(cw.plan.Broadcast().AsSlice())
		udpLayer.SrcPort = layers.UDPPort(OlsrPort)
		udpLayer.DstPort = layers.UDPPort(OlsrPort)
		payload = frame.Payload
	} else {
		pkt := frame.Data
		ipLayer.TTL = pkt.TTL
		ipLayer.SrcIP = net.IP(pkt.Src.AsSlice())
		ipLayer.DstIP = net.IP(pkt.Dst.AsSlice())
		udpLayer.SrcPort = layers.UDPPort(pkt.SrcPort)
		udpLayer.DstPort = layers.UDPPort(pkt.DstPort)
		payload = make([]byte, pkt.Size)
		for idx := 0; idx < 4 && idx < len(payload); idx++ {
			payload[idx] = byte(pkt.Seq >> (24 - 8*idx))
		}
	}
	if err := udpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, udpLayer, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Tap is a FrameTap writing the frame into the pcap of node 'at'
func (cw *CaptureWriter) Tap(now float64, at NodeID, frame *Frame, rx bool) {
	if cw.err != nil || int(at) < 0 || int(at) >= len(cw.writers) {
		return
	}
	data, err := cw.encodeFrame(frame)
	if err != nil {
		cw.err = err
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, 0).Add(time.Duration(secondsToTicks(now))),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := cw.writers[at].WritePacket(ci, data); err != nil {
		cw.err = err
		return
	}
	cw.written[at] += 1
}

// Written is the number of packets written to the pcap of node id
func (cw *CaptureWriter) Written(id NodeID) int {
	return cw.written[id]
}

// Close closes every file.  The return is the first error met writing or closing.
func (cw *CaptureWriter) Close() error {
	err := cw.err
	for _, f := range cw.files {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	cw.files = nil
	return err
}
