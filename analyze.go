package manet

// analyze.go reads pcap captures back and tallies the OLSR traffic they hold,
// per node and in total, by HELLO, TC and MID.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/exp/slices"
)

// CaptureStats counts the OLSR packets of one capture.  A packet is classified by its first message.
type CaptureStats struct {
	File         string `json:"file" yaml:"file"`
	Node         int    `json:"node" yaml:"node"`
	TotalPackets int    `json:"totalpackets" yaml:"totalpackets"`
	TotalBytes   int    `json:"totalbytes" yaml:"totalbytes"`
	Hello        int    `json:"hello" yaml:"hello"`
	Tc           int    `json:"tc" yaml:"tc"`
	Mid          int    `json:"mid" yaml:"mid"`
	Other        int    `json:"other" yaml:"other"`
	DataPackets  int    `json:"datapackets" yaml:"datapackets"`
}

// nodeOfCapture recovers the node number from a file named by CaptureFileName, -1 if it cannot
func nodeOfCapture(filename string) int {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	parts := strings.Split(base, "-")
	if len(parts) < 2 {
		return -1
	}
	node, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return -1
	}
	return node
}

// AnalyzeCapture reads one pcap file
func AnalyzeCapture(filename string) (*CaptureStats, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rdr, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	stats := &CaptureStats{File: filepath.Base(filename), Node: nodeOfCapture(filename)}

	for {
		data, ci, err := rdr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		packet := gopacket.NewPacket(data, rdr.LinkType(), gopacket.Default)
		l := packet.Layer(layers.LayerTypeUDP)
		if l == nil {
			continue
		}
		udpLayer := l.(*layers.UDP)
		if udpLayer.SrcPort != OlsrPort && udpLayer.DstPort != OlsrPort {
			stats.DataPackets += 1
			continue
		}

		stats.TotalPackets += 1
		stats.TotalBytes += ci.Length
		pkt, err := UnmarshalOlsrPacket(udpLayer.Payload)
		if err != nil || len(pkt.Messages) == 0 {
			stats.Other += 1
			continue
		}
		switch pkt.Messages[0].Type {
		case HelloMessage:
			stats.Hello += 1
		case TcMessage:
			stats.Tc += 1
		case MidMessage:
			stats.Mid += 1
		default:
			stats.Other += 1
		}
	}
	return stats, nil
}

// AnalyzeCaptures reads every file matching the glob pattern, returning the results in node order
func AnalyzeCaptures(pattern string) ([]CaptureStats, error) {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	all := make([]CaptureStats, 0, len(files))
	for _, file := range files {
		stats, err := AnalyzeCapture(file)
		if err != nil {
			return nil, err
		}
		all = append(all, *stats)
	}
	slices.SortFunc(all, func(a, b CaptureStats) int {
		if a.Node != b.Node {
			return a.Node - b.Node
		}
		return strings.Compare(a.File, b.File)
	})
	return all, nil
}

// SumCaptureStats adds up per-file results
func SumCaptureStats(all []CaptureStats) CaptureStats {
	total := CaptureStats{File: "total", Node: -1}
	for _, stats := range all {
		total.TotalPackets += stats.TotalPackets
		total.TotalBytes += stats.TotalBytes
		total.Hello += stats.Hello
		total.Tc += stats.Tc
		total.Mid += stats.Mid
		total.Other += stats.Other
		total.DataPackets += stats.DataPackets
	}
	return total
}

// PrintCaptureSummary writes a table line per capture followed by the totals
func PrintCaptureSummary(w io.Writer, all []CaptureStats) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-28s %5s %8s %9s %6s %5s %5s %6s\n", "arquivo", "nó", "pacotes", "bytes", "HELLO", "TC", "MID", "outros")
	for _, st := range all {
		fmt.Fprintf(&sb, "%-28s %5d %8d %9d %6d %5d %5d %6d\n", st.File, st.Node, st.TotalPackets,
			st.TotalBytes, st.Hello, st.Tc, st.Mid, st.Other)
	}
	total := SumCaptureStats(all)
	sb.WriteString("\n=== RESUMO DA ANÁLISE ===\n")
	fmt.Fprintf(&sb, "Total de pacotes OLSR: %d\n", total.TotalPackets)
	fmt.Fprintf(&sb, "Total de bytes OLSR: %d bytes\n", total.TotalBytes)
	sb.WriteString("\nDistribuição dos tipos de pacotes:\n")
	fmt.Fprintf(&sb, "- HELLO: %d pacotes\n", total.Hello)
	fmt.Fprintf(&sb, "- TC:    %d pacotes\n", total.Tc)
	fmt.Fprintf(&sb, "- MID:   %d pacotes\n", total.Mid)
	fmt.Fprintf(&sb, "- Outros: %d pacotes\n", total.Other)
	_, err := io.WriteString(w, sb.String())
	return err
}
