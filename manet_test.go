package manet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDefaultScenarioRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	scen, err := BuildScenario(DefaultScenarioCfg())
	require.NoError(t, err)
	require.True(t, scen.CheckConnections())
	assert.Equal(t, 7, scen.RangeHops(0)[14])

	rpt, err := scen.Run()
	require.NoError(t, err)
	assert.True(t, scen.Sched.Stopped())
	assert.Equal(t, 21.0, scen.Sched.CurrentSeconds())

	// requests leave every 0.2 s from 2.0 up to, but not including, 20.0
	assert.Equal(t, 90, scen.Clients[0].Sent)
	require.Len(t, rpt.Flows, 2)
	request, reply := rpt.Flows[0].Record, rpt.Flows[1].Record
	assert.Equal(t, 90, request.TxPackets)
	assert.Greater(t, request.RxPackets, 0)
	assert.LessOrEqual(t, request.RxPackets, request.TxPackets)
	assert.Equal(t, request.TxPackets, request.RxPackets+request.LostPackets)

	// the server answers every request that reaches it
	assert.Equal(t, request.RxPackets, reply.TxPackets)
	assert.Equal(t, reply.TxPackets, reply.RxPackets+reply.LostPackets)
	assert.Equal(t, scen.Clients[0].Received, reply.RxPackets)

	assert.Equal(t, request.TxPackets+reply.TxPackets, rpt.TxPackets)
	assert.GreaterOrEqual(t, rpt.PDR, 0.0)
	assert.LessOrEqual(t, rpt.PDR, 100.0)
	require.True(t, rpt.DelayAvailable)
	assert.Greater(t, rpt.AvgDelay, 0.0)

	// nothing reaches the far end before the first topology control round
	assert.Contains(t, request.LossReasons, "no route")

	assert.NotZero(t, rpt.Control.Hello.Count)
	assert.NotZero(t, rpt.Control.Tc.Count)
	assert.Zero(t, rpt.Control.Mid.Count)
	assert.Equal(t, rpt.Control.Hello.Count+rpt.Control.Tc.Count, rpt.Control.Count)
	assert.Equal(t, rpt.Control.Hello.Bytes+rpt.Control.Tc.Bytes, rpt.Control.TotalBytes)

	var out bytes.Buffer
	require.NoError(t, rpt.Print(&out, true))
	assert.Contains(t, out.String(), "=== Overhead de Controle (OLSR) ===")
	assert.Contains(t, out.String(), "Fluxo 2 (10.0.0.15:9 -> 10.0.0.1:49153)")

	// the run is over, further calls change nothing
	again, err := scen.Run()
	require.NoError(t, err)
	assert.Same(t, rpt, again)
	fired := scen.Sched.Fired()
	scen.RunUntil(30.0)
	assert.Equal(t, fired, scen.Sched.Fired())
}

func TestRunsAreRepeatable(t *testing.T) {
	run := func() ([]byte, Report) {
		tm := CreateTraceManager("repeat", true)
		scen, err := BuildScenario(DefaultScenarioCfg(), WithTrace(tm))
		require.NoError(t, err)
		rpt, err := scen.Run()
		require.NoError(t, err)
		require.NotZero(t, tm.Len())
		trace, err := tm.Serialize()
		require.NoError(t, err)

		out := *rpt
		out.RunID = ""
		return trace, out
	}

	firstTrace, firstRpt := run()
	secondTrace, secondRpt := run()
	assert.Equal(t, firstRpt, secondRpt)
	assert.True(t, bytes.Equal(firstTrace, secondTrace), "traces of identical runs differ")
}

func TestControlOverheadFreezesWhenEnginesStop(t *testing.T) {
	cfg := DefaultScenarioCfg()
	cfg.Flows = nil
	cfg.StopTime = 20.0
	scen, err := BuildScenario(cfg)
	require.NoError(t, err)

	var counts []int
	for _, until := range []float64{4.0, 8.0, 12.0} {
		scen.RunUntil(until)
		counts = append(counts, scen.Monitor.ControlOverhead().Count)
	}
	assert.Greater(t, counts[0], 0)
	assert.Greater(t, counts[1], counts[0])
	assert.Greater(t, counts[2], counts[1])

	for _, node := range scen.Nodes {
		node.Olsr.Stop()
	}
	scen.RunUntil(16.0)
	assert.Equal(t, counts[2], scen.Monitor.ControlOverhead().Count)

	rpt, err := scen.Run()
	require.NoError(t, err)
	assert.Equal(t, counts[2], rpt.Control.Count)
	assert.Zero(t, rpt.TxPackets)
	assert.Equal(t, 0.0, rpt.PDR)
}

func TestLossyJitteredRun(t *testing.T) {
	cfg := DefaultScenarioCfg()
	cfg.Channel.LossRate = 0.05
	cfg.Olsr.JitterFraction = 0.25
	scen, err := BuildScenario(cfg)
	require.NoError(t, err)

	rpt, err := scen.Run()
	require.NoError(t, err)
	assert.Equal(t, 90, rpt.Flows[0].Record.TxPackets)
	assert.LessOrEqual(t, rpt.RxPackets, rpt.TxPackets)
	assert.Greater(t, scen.Channel.Lost(), 0)
	assert.Greater(t, scen.Channel.Delivered(), 0)
	assert.NotZero(t, rpt.Control.Tc.Count)
}

// lossyRun runs the default scenario with frame loss and emission jitter, under the given seed
func lossyRun(t *testing.T, seed int64) ([]byte, Report, int) {
	t.Helper()
	cfg := DefaultScenarioCfg()
	cfg.Seed = seed
	cfg.Channel.LossRate = 0.05
	cfg.Olsr.JitterFraction = 0.25
	tm := CreateTraceManager("lossy", true)
	scen, err := BuildScenario(cfg, WithTrace(tm))
	require.NoError(t, err)
	rpt, err := scen.Run()
	require.NoError(t, err)
	trace, err := tm.Serialize()
	require.NoError(t, err)

	out := *rpt
	out.RunID = ""
	return trace, out, scen.Channel.Lost()
}

func TestSeedFixesRandomRun(t *testing.T) {
	firstTrace, firstRpt, firstLost := lossyRun(t, 1)
	secondTrace, secondRpt, secondLost := lossyRun(t, 1)
	assert.Equal(t, firstLost, secondLost)
	assert.Equal(t, firstRpt, secondRpt)
	assert.True(t, bytes.Equal(firstTrace, secondTrace), "same seed, different traces")

	otherTrace, _, _ := lossyRun(t, 2)
	assert.False(t, bytes.Equal(firstTrace, otherTrace), "different seeds, same trace")
}

func TestStreamSeed(t *testing.T) {
	for _, seed := range []int64{0, 1, -7, 1 << 62} {
		for index := 0; index < 20; index++ {
			words := streamSeed(seed, index)
			require.Len(t, words, 6)
			for _, word := range words {
				assert.NotZero(t, word)
				assert.Less(t, word, uint64(rngModulus))
			}
		}
	}
	assert.Equal(t, streamSeed(1, 3), streamSeed(1, 3))
	assert.NotEqual(t, streamSeed(1, 3), streamSeed(2, 3))
	assert.NotEqual(t, streamSeed(1, 3), streamSeed(1, 4))

	// a stream's draws do not depend on the streams created before it
	cfg := DefaultScenarioCfg()
	first := newStream(cfg, "channel", 0).RandU01()
	newStream(cfg, "jitter-0", 1)
	assert.Equal(t, first, newStream(cfg, "channel", 0).RandU01())
	assert.Equal(t, "olsr-static-15/1/channel", streamName(cfg, "channel"))
}
