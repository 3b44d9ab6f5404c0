package manet

// manet.go has the code that builds a run from its description and drives it:
// it lays out the address plan, the channel and the nodes, starts the OLSR
// engines and the echo applications, runs the scheduler to the stop time,
// and hands back the monitor's report.

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/netip"

	"github.com/iti/rngstream"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Scenario holds everything one run is made of
type Scenario struct {
	Cfg     *ScenarioCfg
	Sched   *EventScheduler
	Plan    *AddressPlan
	Channel *Channel
	Monitor *FlowMonitor
	Nodes   []*Node
	Clients []*EchoClient
	Servers []*EchoServer
	Trace   *TraceManager
	Capture *CaptureWriter
	Logger  *slog.Logger

	positions StaticPositions
	finished  bool
}

// Option adjusts a Scenario as it is built
type Option func(*Scenario)

// WithLogger routes the scenario's log output to logger
func WithLogger(logger *slog.Logger) Option {
	return func(scen *Scenario) {
		scen.Logger = logger
	}
}

// WithTrace records control and data events in tm
func WithTrace(tm *TraceManager) Option {
	return func(scen *Scenario) {
		scen.Trace = tm
	}
}

// streamName names an rng stream after the run and the seed it draws from
func streamName(cfg *ScenarioCfg, what string) string {
	return fmt.Sprintf("%s/%d/%s", cfg.Name, cfg.Seed, what)
}

// rngModulus bounds every word of a stream seed (m2 of MRG32k3a, the smaller modulus)
const rngModulus = 4294944443

// streamSeed derives the six seed words of stream number index from the run's seed.
// Words are non-zero and below rngModulus, as rngstream requires.
func streamSeed(seed int64, index int) []uint64 {
	words := make([]uint64, 6)
	x := uint64(seed)*0x9e3779b97f4a7c15 + uint64(index+1)
	for idx := range words {
		// splitmix64 step
		x += 0x9e3779b97f4a7c15
		z := x
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		words[idx] = z%(rngModulus-1) + 1
	}
	return words
}

// newStream creates an rng stream whose state depends only on the run's seed and
// the stream's index, not on how many streams the process created before it
func newStream(cfg *ScenarioCfg, what string, index int) *rngstream.RngStream {
	rng := rngstream.New(streamName(cfg, what))
	if !rng.SetSeed(streamSeed(cfg.Seed, index)) {
		panic(fmt.Errorf("invalid seed for rng stream %s", what))
	}
	return rng
}

// BuildScenario validates the description and assembles the run.  Every
// error returned before the simulation starts wraps ErrConfig, save those
// from creating capture files.
func BuildScenario(cfg *ScenarioCfg, opts ...Option) (*Scenario, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scen := &Scenario{Cfg: cfg}
	scen.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(scen)
	}

	scen.Sched = CreateEventScheduler()
	plan, err := CreateAddressPlan(cfg.AddrBase, len(cfg.Nodes))
	if err != nil {
		return nil, err
	}
	scen.Plan = plan

	scen.positions = make(StaticPositions)
	for _, nd := range cfg.Nodes {
		scen.positions[NodeID(nd.ID)] = Coordinates{X: nd.X, Y: nd.Y, Z: nd.Z}
		for _, alias := range nd.Aliases {
			addr, _ := netip.ParseAddr(alias)
			if err := plan.AddAlias(NodeID(nd.ID), addr); err != nil {
				return nil, err
			}
		}
	}

	var lossRng *rngstream.RngStream
	if cfg.Channel.LossRate > 0.0 {
		lossRng = newStream(cfg, "channel", 0)
	}
	scen.Channel = CreateChannel(cfg.Channel, scen.positions, lossRng)
	scen.Monitor = CreateFlowMonitor()
	onEmit := func(from NodeID, kind MessageType, size int) {
		scen.Monitor.OnControlTx(kind, size)
	}

	for idx := 0; idx < len(cfg.Nodes); idx++ {
		id := NodeID(idx)
		node := createNode(id, plan, scen.Channel, scen.Monitor, scen.Logger)
		node.traceMgr = scen.Trace

		oe := CreateOlsrEngine(scen.Sched, id, plan, cfg.Olsr, scen.Channel, onEmit)
		oe.SetAliases(plan.Aliases(id))
		oe.SetLogger(scen.Logger)
		oe.SetTraceManager(scen.Trace)
		if cfg.Olsr.JitterFraction > 0.0 {
			oe.SetJitter(newStream(cfg, fmt.Sprintf("jitter-%d", idx), idx+1))
		}
		node.Olsr = oe

		if err := scen.Channel.Attach(id, node); err != nil {
			return nil, err
		}
		scen.Trace.AddName(idx, fmt.Sprintf("node-%d", idx), "node")
		scen.Nodes = append(scen.Nodes, node)
	}

	if !scen.CheckConnections() {
		scen.Logger.Warn("topology is not connected at the configured range", "range", cfg.Channel.RangeMeters)
	}

	for _, node := range scen.Nodes {
		node.Olsr.Start()
	}

	for idx, flow := range cfg.Flows {
		srv, err := StartServer(scen.Sched, scen.Nodes[flow.Server], flow.Port, flow.ServerStart, flow.ServerStop)
		if err != nil {
			return nil, fmt.Errorf("flow %d: %w", idx, err)
		}
		scen.Servers = append(scen.Servers, srv)

		client, err := StartClient(scen.Sched, scen.Nodes[flow.Client], plan.MainAddr(NodeID(flow.Server)),
			flow.Port, flow.PacketSize, flow.Interval, flow.MaxPackets, flow.ClientStart, flow.ClientStop)
		if err != nil {
			return nil, fmt.Errorf("flow %d: %w", idx, err)
		}
		scen.Clients = append(scen.Clients, client)
	}

	if cfg.Capture.Enable {
		cw, err := CreateCaptureWriter(cfg.Capture.Prefix, plan)
		if err != nil {
			return nil, err
		}
		scen.Capture = cw
		scen.Channel.AddTap(cw.Tap)
	}

	scen.Logger.Info("scenario built", "name", cfg.Name, "nodes", len(scen.Nodes), "flows", len(cfg.Flows),
		"stop", cfg.StopTime)
	return scen, nil
}

// rangeGraph holds an edge between every pair of nodes within radio range of each other
func (scen *Scenario) rangeGraph() *simple.UndirectedGraph {
	rg := simple.NewUndirectedGraph()
	for idx := range scen.Nodes {
		rg.AddNode(simple.Node(idx))
	}
	for a := range scen.Nodes {
		for b := a + 1; b < len(scen.Nodes); b++ {
			if scen.Channel.InRange(NodeID(a), NodeID(b), 0.0) {
				rg.SetEdge(simple.Edge{F: simple.Node(a), T: simple.Node(b)})
			}
		}
	}
	return rg
}

// CheckConnections reports whether every node can reach every other one over
// radio links, logging the partition if it cannot
func (scen *Scenario) CheckConnections() bool {
	comps := topo.ConnectedComponents(scen.rangeGraph())
	if len(comps) <= 1 {
		return true
	}
	for _, comp := range comps {
		ids := make([]int, 0, len(comp))
		for _, n := range comp {
			ids = append(ids, int(n.ID()))
		}
		scen.Logger.Debug("partition", "nodes", ids)
	}
	return false
}

// RangeHops gives the least number of radio hops from src to every node it can reach
func (scen *Scenario) RangeHops(src NodeID) map[NodeID]int {
	rg := scen.rangeGraph()
	spTree := path.DijkstraFrom(rg.Node(int64(src)), rg)
	hops := make(map[NodeID]int)
	for idx := range scen.Nodes {
		dist := spTree.WeightTo(int64(idx))
		if NodeID(idx) == src || math.IsInf(dist, 1) {
			continue
		}
		hops[NodeID(idx)] = int(dist)
	}
	return hops
}

// RunUntil advances the simulation to time t (but not past the stop time)
func (scen *Scenario) RunUntil(t float64) {
	if scen.finished {
		return
	}
	scen.Sched.Run(math.Min(t, scen.Cfg.StopTime))
}

// Run finishes the run: the scheduler runs to the stop time, every engine is
// stopped, the scheduler is stopped, and the monitor is finalized
func (scen *Scenario) Run() (*Report, error) {
	if scen.finished {
		return scen.Monitor.Report(), nil
	}
	scen.Sched.Run(scen.Cfg.StopTime)
	for _, node := range scen.Nodes {
		node.Olsr.Stop()
	}
	scen.Sched.Stop()
	scen.finished = true
	rpt := scen.Monitor.Finalize()
	busiest := scen.Channel.Busiest()
	scen.Logger.Info("run complete", "t", scen.Sched.CurrentSeconds(), "events", scen.Sched.Fired(),
		"delivered", scen.Channel.Delivered(), "lost", scen.Channel.Lost(),
		"busiest", busiest, "airtime", scen.Channel.AirTime(busiest), "frames", scen.Channel.FramesSent(busiest))

	if scen.Capture != nil {
		if err := scen.Capture.Close(); err != nil {
			return rpt, err
		}
	}
	return rpt, nil
}
