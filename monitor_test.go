package manet

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	reqKey = FlowKey{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.15"),
		SrcPort: 49153, DstPort: 9, Protocol: protoUDP}
	replyKey = FlowKey{Src: netip.MustParseAddr("10.0.0.15"), Dst: netip.MustParseAddr("10.0.0.1"),
		SrcPort: 9, DstPort: 49153, Protocol: protoUDP}
)

func TestMonitorAggregates(t *testing.T) {
	fm := CreateFlowMonitor()
	for idx := 0; idx < 4; idx++ {
		fm.OnDataTx(reqKey, 92, float64(idx))
	}
	fm.OnDataRx(reqKey, 92, 0.0, 0.01)
	fm.OnDataRx(reqKey, 92, 1.0, 1.03)
	fm.OnDataLoss(reqKey, "no route")

	fm.OnDataTx(replyKey, 92, 0.01)
	fm.OnDataTx(replyKey, 92, 1.03)
	fm.OnDataRx(replyKey, 92, 1.03, 1.04)

	rpt := fm.Finalize()
	assert.Equal(t, 6, rpt.TxPackets)
	assert.Equal(t, 3, rpt.RxPackets)
	assert.Equal(t, 1, rpt.LostPackets)
	assert.InDelta(t, 50.0, rpt.PDR, 1e-9)

	// mean of the per-flow means: (0.02 + 0.01) / 2
	require.True(t, rpt.DelayAvailable)
	assert.InDelta(t, 0.015, rpt.AvgDelay, 1e-9)

	fr, ok := fm.Flow(reqKey)
	require.True(t, ok)
	assert.Equal(t, 4*92, fr.TxBytes)
	assert.Equal(t, 0.0, fr.FirstTx)
	assert.Equal(t, 3.0, fr.LastTx)
	assert.Equal(t, map[string]int{"no route": 1}, fr.LossReasons)

	require.Len(t, rpt.Flows, 2)
	assert.Equal(t, reqKey.String(), rpt.Flows[0].Key)
	assert.Equal(t, "10.0.0.1:49153 -> 10.0.0.15:9", rpt.Flows[0].Key)
}

func TestMonitorNoReceptions(t *testing.T) {
	fm := CreateFlowMonitor()
	fm.OnDataTx(reqKey, 92, 2.0)
	rpt := fm.Finalize()
	assert.Equal(t, 0.0, rpt.PDR)
	assert.False(t, rpt.DelayAvailable)

	var out bytes.Buffer
	require.NoError(t, rpt.Print(&out, false))
	assert.Contains(t, out.String(), "Latência média:        N/A\n")
}

func TestMonitorEmpty(t *testing.T) {
	rpt := CreateFlowMonitor().Finalize()
	assert.Equal(t, 0, rpt.TxPackets)
	assert.Equal(t, 0.0, rpt.PDR)
	assert.False(t, rpt.DelayAvailable)
	assert.Empty(t, rpt.Flows)
}

func TestMonitorFinalizeIdempotent(t *testing.T) {
	fm := CreateFlowMonitor()
	assert.Panics(t, func() { fm.Report() })

	fm.OnDataTx(reqKey, 92, 1.0)
	fm.OnControlTx(HelloMessage, 24)
	first := fm.Finalize()

	// nothing counts once finalized
	fm.OnDataTx(reqKey, 92, 2.0)
	fm.OnControlTx(TcMessage, 24)
	second := fm.Finalize()
	assert.Same(t, first, second)
	assert.Same(t, first, fm.Report())
	assert.Equal(t, 1, second.TxPackets)
	assert.Equal(t, 1, second.Control.Count)
}

func TestMonitorControlOverhead(t *testing.T) {
	fm := CreateFlowMonitor()
	fm.OnControlTx(HelloMessage, 20)
	fm.OnControlTx(HelloMessage, 28)
	fm.OnControlTx(TcMessage, 24)
	fm.OnControlTx(MidMessage, 20)

	coc := fm.ControlOverhead()
	assert.Equal(t, 4, coc.Count)
	assert.Equal(t, 92, coc.TotalBytes)
	assert.Equal(t, TypeCount{Count: 2, Bytes: 48}, coc.Hello)
	assert.Equal(t, TypeCount{Count: 1, Bytes: 24}, coc.Tc)
	assert.Equal(t, TypeCount{Count: 1, Bytes: 20}, coc.Mid)
}

func TestReportPrint(t *testing.T) {
	rpt := &Report{TxPackets: 180, RxPackets: 170, PDR: 100.0 * 170 / 180, AvgDelay: 0.00123456789,
		DelayAvailable: true,
		Control: ControlOverheadCounter{Count: 3, TotalBytes: 72,
			Hello: TypeCount{Count: 2, Bytes: 48}, Tc: TypeCount{Count: 1, Bytes: 24}},
		Flows: []FlowSummary{{Key: reqKey.String(), Record: FlowRecord{TxPackets: 90, RxPackets: 85, LostPackets: 5},
			MeanDelay: 0.002, HasDelay: true}},
	}
	var out bytes.Buffer
	require.NoError(t, rpt.Print(&out, true))

	want := strings.Join([]string{
		"=== Estatísticas Agregadas ===",
		"Pacotes transmitidos: 180",
		"Pacotes recebidos:    170",
		"Taxa de entrega (PDR): 94.4444 %",
		"Latência média:        0.00123457 s",
		"",
		"=== Overhead de Controle (OLSR) ===",
		"Pacotes de controle:  3",
		"Bytes de controle:    72 bytes",
		"- HELLO: 2 pacotes, 48 bytes",
		"- TC:    1 pacotes, 24 bytes",
		"- MID:   0 pacotes, 0 bytes",
		"",
		"=== Estatísticas por Fluxo ===",
		"Fluxo 1 (10.0.0.1:49153 -> 10.0.0.15:9): tx 90, rx 85, perdidos 5, latência 0.002 s",
	}, "\n") + "\n"
	assert.Equal(t, want, out.String())
}

func TestFmtNumLikeOstream(t *testing.T) {
	assert.Equal(t, "100", fmtNum(100.0))
	assert.Equal(t, "0", fmtNum(0.0))
	assert.Equal(t, "98.8889", fmtNum(100.0*89/90))
	assert.Equal(t, "1.23457e-05", fmtNum(0.0000123456789))
}

func TestReportWriteJSON(t *testing.T) {
	fm := CreateFlowMonitor()
	fm.OnDataTx(reqKey, 92, 1.0)
	fm.OnDataRx(reqKey, 92, 1.0, 1.5)
	rpt := fm.Finalize()

	filename := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, rpt.WriteJSON(filename))

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, fm.RunID().String(), back.RunID)
	_, err = uuid.Parse(back.RunID)
	assert.NoError(t, err)
	assert.Equal(t, 100.0, back.PDR)
	assert.Equal(t, 0.5, back.AvgDelay)
}
