package manet

// monitor.go holds the flow and control overhead instrumentation.  Nodes report
// every data packet they originate, receive or drop; OLSR engines report every
// control packet they emit.  At the end of a run the monitor is finalized and
// the aggregate figures are computed once, into a Report.

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// protoUDP is the IP protocol number of UDP
const protoUDP = 17

// FlowKey identifies a unidirectional flow by its 5-tuple
type FlowKey struct {
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

func (fk FlowKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", fk.Src, fk.SrcPort, fk.Dst, fk.DstPort)
}

// FlowRecord accumulates what was observed of one flow
type FlowRecord struct {
	TxPackets   int            `json:"txpackets"`
	RxPackets   int            `json:"rxpackets"`
	TxBytes     int            `json:"txbytes"`
	RxBytes     int            `json:"rxbytes"`
	LostPackets int            `json:"lostpackets"`
	LossReasons map[string]int `json:"lossreasons,omitempty"`
	DelaySum    float64        `json:"delaysum"`
	DelayCount  int            `json:"delaycount"`
	FirstTx     float64        `json:"firsttx"`
	LastTx      float64        `json:"lasttx"`
	FirstRx     float64        `json:"firstrx"`
	LastRx      float64        `json:"lastrx"`
}

// MeanDelay is the flow's average one-way delay, with false if nothing was received
func (fr *FlowRecord) MeanDelay() (float64, bool) {
	if fr.RxPackets == 0 {
		return 0.0, false
	}
	return fr.DelaySum / float64(fr.RxPackets), true
}

// TypeCount is a packet count and byte volume
type TypeCount struct {
	Count int `json:"count"`
	Bytes int `json:"bytes"`
}

// ControlOverheadCounter accumulates the OLSR packets emitted by all nodes
type ControlOverheadCounter struct {
	Count      int       `json:"count"`
	TotalBytes int       `json:"totalbytes"`
	Hello      TypeCount `json:"hello"`
	Tc         TypeCount `json:"tc"`
	Mid        TypeCount `json:"mid"`
}

func (coc *ControlOverheadCounter) add(kind MessageType, size int) {
	coc.Count += 1
	coc.TotalBytes += size
	var tcnt *TypeCount
	switch kind {
	case HelloMessage:
		tcnt = &coc.Hello
	case TcMessage:
		tcnt = &coc.Tc
	case MidMessage:
		tcnt = &coc.Mid
	default:
		return
	}
	tcnt.Count += 1
	tcnt.Bytes += size
}

// FlowSummary is one flow's line of a Report
type FlowSummary struct {
	Key       string     `json:"flow"`
	Record    FlowRecord `json:"record"`
	MeanDelay float64    `json:"meandelay"`
	HasDelay  bool       `json:"hasdelay"`
}

// Report holds the aggregate figures of a finalized monitor
type Report struct {
	RunID          string                 `json:"runid"`
	TxPackets      int                    `json:"txpackets"`
	RxPackets      int                    `json:"rxpackets"`
	LostPackets    int                    `json:"lostpackets"`
	PDR            float64                `json:"pdr"`
	AvgDelay       float64                `json:"avgdelay"`
	DelayAvailable bool                   `json:"delayavailable"`
	Control        ControlOverheadCounter `json:"control"`
	Flows          []FlowSummary          `json:"flows"`
}

// FlowMonitor observes every data flow and the control overhead of one run
type FlowMonitor struct {
	runID     uuid.UUID
	flows     map[FlowKey]*FlowRecord
	order     []FlowKey // flows in the order they were first seen
	control   ControlOverheadCounter
	finalized bool
	report    *Report
}

// CreateFlowMonitor is a constructor
func CreateFlowMonitor() *FlowMonitor {
	fm := new(FlowMonitor)
	fm.runID = uuid.New()
	fm.flows = make(map[FlowKey]*FlowRecord)
	fm.order = []FlowKey{}
	return fm
}

// RunID identifies the run in exported reports
func (fm *FlowMonitor) RunID() uuid.UUID {
	return fm.runID
}

// record returns the record of a flow, creating it on first sight
func (fm *FlowMonitor) record(key FlowKey) *FlowRecord {
	fr, present := fm.flows[key]
	if !present {
		fr = &FlowRecord{FirstTx: -1.0, FirstRx: -1.0}
		fm.flows[key] = fr
		fm.order = append(fm.order, key)
	}
	return fr
}

// OnDataTx notes a packet of size bytes leaving its source at time t
func (fm *FlowMonitor) OnDataTx(key FlowKey, size int, t float64) {
	if fm.finalized {
		return
	}
	fr := fm.record(key)
	fr.TxPackets += 1
	fr.TxBytes += size
	if fr.FirstTx < 0.0 {
		fr.FirstTx = t
	}
	fr.LastTx = t
}

// OnDataRx notes a packet sent at sendT reaching its destination at recvT
func (fm *FlowMonitor) OnDataRx(key FlowKey, size int, sendT, recvT float64) {
	if fm.finalized {
		return
	}
	fr := fm.record(key)
	fr.RxPackets += 1
	fr.RxBytes += size
	fr.DelaySum += recvT - sendT
	fr.DelayCount += 1
	if fr.FirstRx < 0.0 {
		fr.FirstRx = recvT
	}
	fr.LastRx = recvT
}

// OnDataLoss notes a packet discarded on its way
func (fm *FlowMonitor) OnDataLoss(key FlowKey, reason string) {
	if fm.finalized {
		return
	}
	fr := fm.record(key)
	fr.LostPackets += 1
	if fr.LossReasons == nil {
		fr.LossReasons = make(map[string]int)
	}
	fr.LossReasons[reason] += 1
}

// OnControlTx notes an OLSR packet of sizeBytes emitted, carrying a message of the given kind
func (fm *FlowMonitor) OnControlTx(kind MessageType, sizeBytes int) {
	if fm.finalized {
		return
	}
	fm.control.add(kind, sizeBytes)
}

// ControlOverhead gives the control counters accumulated so far
func (fm *FlowMonitor) ControlOverhead() ControlOverheadCounter {
	return fm.control
}

// Flow gives a copy of the record of one flow
func (fm *FlowMonitor) Flow(key FlowKey) (FlowRecord, bool) {
	fr, present := fm.flows[key]
	if !present {
		return FlowRecord{}, false
	}
	return *fr, true
}

// Finalize freezes the monitor and computes the report.  Calling it again returns the same report.
func (fm *FlowMonitor) Finalize() *Report {
	if fm.finalized {
		return fm.report
	}
	fm.finalized = true

	rpt := &Report{RunID: fm.runID.String(), Control: fm.control, Flows: []FlowSummary{}}
	delaySum := 0.0
	delayFlows := 0
	for _, key := range fm.order {
		fr := fm.flows[key]
		rpt.TxPackets += fr.TxPackets
		rpt.RxPackets += fr.RxPackets
		rpt.LostPackets += fr.LostPackets
		mean, ok := fr.MeanDelay()
		if ok {
			delaySum += mean
			delayFlows += 1
		}
		rpt.Flows = append(rpt.Flows, FlowSummary{Key: key.String(), Record: *fr, MeanDelay: mean, HasDelay: ok})
	}
	if rpt.TxPackets > 0 {
		rpt.PDR = 100.0 * float64(rpt.RxPackets) / float64(rpt.TxPackets)
	}
	if delayFlows > 0 {
		rpt.AvgDelay = delaySum / float64(delayFlows)
		rpt.DelayAvailable = true
	}
	fm.report = rpt
	return rpt
}

// Report returns the finalized report.  Asking for it before Finalize is a programming error.
func (fm *FlowMonitor) Report() *Report {
	if !fm.finalized {
		panic("flow monitor report requested before Finalize")
	}
	return fm.report
}

// fmtNum renders a number the way a default C++ ostream does, with six significant digits
func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// Print writes the report in its fixed text layout.  With perFlow set a line per flow follows.
func (rpt *Report) Print(w io.Writer, perFlow bool) error {
	lines := []string{
		"=== Estatísticas Agregadas ===",
		"Pacotes transmitidos: " + strconv.Itoa(rpt.TxPackets),
		"Pacotes recebidos:    " + strconv.Itoa(rpt.RxPackets),
		"Taxa de entrega (PDR): " + fmtNum(rpt.PDR) + " %",
	}
	if rpt.DelayAvailable {
		lines = append(lines, "Latência média:        "+fmtNum(rpt.AvgDelay)+" s")
	} else {
		lines = append(lines, "Latência média:        N/A")
	}

	lines = append(lines, "",
		"=== Overhead de Controle (OLSR) ===",
		"Pacotes de controle:  "+strconv.Itoa(rpt.Control.Count),
		"Bytes de controle:    "+strconv.Itoa(rpt.Control.TotalBytes)+" bytes",
		fmt.Sprintf("- HELLO: %d pacotes, %d bytes", rpt.Control.Hello.Count, rpt.Control.Hello.Bytes),
		fmt.Sprintf("- TC:    %d pacotes, %d bytes", rpt.Control.Tc.Count, rpt.Control.Tc.Bytes),
		fmt.Sprintf("- MID:   %d pacotes, %d bytes", rpt.Control.Mid.Count, rpt.Control.Mid.Bytes),
	)

	if perFlow {
		lines = append(lines, "", "=== Estatísticas por Fluxo ===")
		for idx, fs := range rpt.Flows {
			delay := "N/A"
			if fs.HasDelay {
				delay = fmtNum(fs.MeanDelay) + " s"
			}
			lines = append(lines, fmt.Sprintf("Fluxo %d (%s): tx %d, rx %d, perdidos %d, latência %s",
				idx+1, fs.Key, fs.Record.TxPackets, fs.Record.RxPackets, fs.Record.LostPackets, delay))
		}
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON stores the report as indented json in the named file
func (rpt *Report) WriteJSON(filename string) error {
	bytes, err := json.MarshalIndent(rpt, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0o644)
}
