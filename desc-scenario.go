package manet

// desc-scenario.go holds the serializable description of an experiment:
// node placement, channel parameters, OLSR timers, echo traffic, and
// the simulation stop time.  Descriptions are read from and written to
// yaml or json files, the format selected by file extension.

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// ErrConfig is wrapped by every error that reports an invalid experiment description.
// Such errors are raised before the simulation starts.
var ErrConfig = errors.New("invalid configuration")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// NodeDesc places one node, and optionally gives it interface addresses beyond its main one
type NodeDesc struct {
	ID      int      `json:"id" yaml:"id"`
	X       float64  `json:"x" yaml:"x"`
	Y       float64  `json:"y" yaml:"y"`
	Z       float64  `json:"z" yaml:"z"`
	Aliases []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// ChannelDesc describes the shared wireless medium
type ChannelDesc struct {
	RangeMeters      float64 `json:"range" yaml:"range"`
	DataRateMbps     float64 `json:"datarate" yaml:"datarate"`
	PhyOverheadSec   float64 `json:"phyoverhead" yaml:"phyoverhead"`
	MacOverheadBytes int     `json:"macoverhead" yaml:"macoverhead"`
	LossRate         float64 `json:"lossrate" yaml:"lossrate"`
}

// OlsrDesc holds the OLSR timer intervals and policy knobs.  Times are in seconds.
type OlsrDesc struct {
	HelloInterval  float64 `json:"hello" yaml:"hello"`
	TcInterval     float64 `json:"tc" yaml:"tc"`
	MidInterval    float64 `json:"mid" yaml:"mid"`
	NeighbHoldTime float64 `json:"neighbhold" yaml:"neighbhold"`
	TopHoldTime    float64 `json:"tophold" yaml:"tophold"`
	MidHoldTime    float64 `json:"midhold" yaml:"midhold"`
	DupHoldTime    float64 `json:"duphold" yaml:"duphold"`
	Willingness    int     `json:"willingness" yaml:"willingness"`
	TcPolicy       string  `json:"tcpolicy" yaml:"tcpolicy"`
	JitterFraction float64 `json:"jitter" yaml:"jitter"`
	StartTime      float64 `json:"start" yaml:"start"`
}

// EchoFlowDesc describes one UDP echo client/server pair
type EchoFlowDesc struct {
	Client      int     `json:"client" yaml:"client"`
	Server      int     `json:"server" yaml:"server"`
	Port        int     `json:"port" yaml:"port"`
	PacketSize  int     `json:"packetsize" yaml:"packetsize"`
	Interval    float64 `json:"interval" yaml:"interval"`
	MaxPackets  int     `json:"maxpackets" yaml:"maxpackets"`
	ClientStart float64 `json:"clientstart" yaml:"clientstart"`
	ClientStop  float64 `json:"clientstop" yaml:"clientstop"`
	ServerStart float64 `json:"serverstart" yaml:"serverstart"`
	ServerStop  float64 `json:"serverstop" yaml:"serverstop"`
}

// CaptureDesc turns on per-node pcap files
type CaptureDesc struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Prefix string `json:"prefix" yaml:"prefix"`
}

// ScenarioCfg is the complete description of an experiment
type ScenarioCfg struct {
	Name     string         `json:"name" yaml:"name"`
	AddrBase string         `json:"addrbase" yaml:"addrbase"`
	Seed     int64          `json:"seed" yaml:"seed"`
	StopTime float64        `json:"stoptime" yaml:"stoptime"`
	Nodes    []NodeDesc     `json:"nodes" yaml:"nodes"`
	Channel  ChannelDesc    `json:"channel" yaml:"channel"`
	Olsr     OlsrDesc       `json:"olsr" yaml:"olsr"`
	Flows    []EchoFlowDesc `json:"flows" yaml:"flows"`
	Capture  CaptureDesc    `json:"capture" yaml:"capture"`
}

// DefaultOlsrDesc gives the RFC 3626 default timers, with the hold times
// at three times the emission intervals
func DefaultOlsrDesc() OlsrDesc {
	return OlsrDesc{
		HelloInterval:  2.0,
		TcInterval:     5.0,
		MidInterval:    5.0,
		NeighbHoldTime: 6.0,
		TopHoldTime:    15.0,
		MidHoldTime:    15.0,
		DupHoldTime:    30.0,
		Willingness:    WillDefault,
		TcPolicy:       TcPolicyMpr,
		JitterFraction: 0.0,
		StartTime:      0.0,
	}
}

// DefaultChannelDesc models a 6 Mbps OFDM ad-hoc link
func DefaultChannelDesc() ChannelDesc {
	return ChannelDesc{
		RangeMeters:      120.0,
		DataRateMbps:     6.0,
		PhyOverheadSec:   20e-6,
		MacOverheadBytes: 36,
		LossRate:         0.0,
	}
}

// LineNodes places n nodes on the x axis, spacing meters apart
func LineNodes(n int, spacing float64) []NodeDesc {
	nodes := make([]NodeDesc, 0, n)
	for idx := 0; idx < n; idx++ {
		nodes = append(nodes, NodeDesc{ID: idx, X: float64(idx) * spacing})
	}
	return nodes
}

// DefaultScenarioCfg is the 15 node line experiment: nodes 50 meters apart, one echo
// flow from node 0 to node 14 of at most 100 packets of 64 bytes every 0.2 seconds
func DefaultScenarioCfg() *ScenarioCfg {
	sc := new(ScenarioCfg)
	sc.Name = "olsr-static-15"
	sc.AddrBase = "10.0.0.0/24"
	sc.Seed = 1
	sc.StopTime = 21.0
	sc.Nodes = LineNodes(15, 50.0)
	sc.Channel = DefaultChannelDesc()
	sc.Olsr = DefaultOlsrDesc()
	sc.Flows = []EchoFlowDesc{{
		Client:      0,
		Server:      14,
		Port:        9,
		PacketSize:  64,
		Interval:    0.2,
		MaxPackets:  100,
		ClientStart: 2.0,
		ClientStop:  20.0,
		ServerStart: 1.0,
		ServerStop:  20.0,
	}}
	sc.Capture = CaptureDesc{Enable: false, Prefix: "olsr-control"}
	return sc
}

// Validate checks the description for values that make a run meaningless.
// Every error returned wraps ErrConfig.
func (sc *ScenarioCfg) Validate() error {
	if len(sc.Nodes) == 0 {
		return configErrorf("no nodes")
	}
	if !(sc.StopTime > 0.0) {
		return configErrorf("stop time %v must be positive", sc.StopTime)
	}
	pfx, err := netip.ParsePrefix(sc.AddrBase)
	if err != nil || !pfx.Addr().Is4() {
		return configErrorf("address base %q is not an IPv4 prefix", sc.AddrBase)
	}
	if pfx.Bits() > 30 || len(sc.Nodes) >= 1<<(32-pfx.Bits())-1 {
		return configErrorf("address base %s too small for %d nodes", sc.AddrBase, len(sc.Nodes))
	}

	seen := make([]int, 0, len(sc.Nodes))
	for _, nd := range sc.Nodes {
		if nd.ID < 0 || nd.ID >= len(sc.Nodes) {
			return configErrorf("node id %d outside 0..%d", nd.ID, len(sc.Nodes)-1)
		}
		if slices.Contains(seen, nd.ID) {
			return configErrorf("node id %d given twice", nd.ID)
		}
		seen = append(seen, nd.ID)
		for _, alias := range nd.Aliases {
			addr, err := netip.ParseAddr(alias)
			if err != nil || !addr.Is4() {
				return configErrorf("node %d alias %q is not an IPv4 address", nd.ID, alias)
			}
		}
	}

	if err := sc.Channel.validate(); err != nil {
		return err
	}
	if err := sc.Olsr.validate(); err != nil {
		return err
	}
	for idx, flow := range sc.Flows {
		if err := flow.validate(len(sc.Nodes)); err != nil {
			return fmt.Errorf("flow %d: %w", idx, err)
		}
	}
	return nil
}

func (cd *ChannelDesc) validate() error {
	if !(cd.RangeMeters > 0.0) {
		return configErrorf("channel range %v must be positive", cd.RangeMeters)
	}
	if !(cd.DataRateMbps > 0.0) {
		return configErrorf("channel data rate %v must be positive", cd.DataRateMbps)
	}
	if cd.PhyOverheadSec < 0.0 || cd.MacOverheadBytes < 0 {
		return configErrorf("channel overheads must not be negative")
	}
	if cd.LossRate < 0.0 || cd.LossRate > 1.0 {
		return configErrorf("channel loss rate %v outside [0,1]", cd.LossRate)
	}
	return nil
}

func (od *OlsrDesc) validate() error {
	intervals := map[string]float64{"hello": od.HelloInterval, "tc": od.TcInterval, "mid": od.MidInterval,
		"neighbhold": od.NeighbHoldTime, "tophold": od.TopHoldTime, "midhold": od.MidHoldTime,
		"duphold": od.DupHoldTime}
	for _, name := range []string{"hello", "tc", "mid", "neighbhold", "tophold", "midhold", "duphold"} {
		if !(intervals[name] > 0.0) {
			return configErrorf("olsr %s interval %v must be positive", name, intervals[name])
		}
	}
	if od.Willingness < WillNever || od.Willingness > WillAlways {
		return configErrorf("olsr willingness %d outside %d..%d", od.Willingness, WillNever, WillAlways)
	}
	switch od.TcPolicy {
	case TcPolicyMpr, TcPolicyAlways:
	default:
		return configErrorf("olsr tc policy %q not one of %q, %q", od.TcPolicy, TcPolicyMpr, TcPolicyAlways)
	}
	if od.JitterFraction < 0.0 || od.JitterFraction >= 1.0 {
		return configErrorf("olsr jitter %v outside [0,1)", od.JitterFraction)
	}
	if od.StartTime < 0.0 {
		return configErrorf("olsr start time %v is negative", od.StartTime)
	}
	return nil
}

func (fd *EchoFlowDesc) validate(numNodes int) error {
	if fd.Client < 0 || fd.Client >= numNodes {
		return configErrorf("client node %d does not exist", fd.Client)
	}
	if fd.Server < 0 || fd.Server >= numNodes {
		return configErrorf("server node %d does not exist", fd.Server)
	}
	if fd.Client == fd.Server {
		return configErrorf("client and server are both node %d", fd.Client)
	}
	if fd.Port <= 0 || fd.Port > 65535 {
		return configErrorf("port %d out of range", fd.Port)
	}
	if fd.PacketSize <= 0 {
		return configErrorf("packet size %d must be positive", fd.PacketSize)
	}
	if !(fd.Interval > 0.0) {
		return configErrorf("interval %v must be positive", fd.Interval)
	}
	if fd.MaxPackets <= 0 {
		return configErrorf("max packets %d must be positive", fd.MaxPackets)
	}
	if fd.ClientStart < 0.0 || fd.ClientStop < fd.ClientStart {
		return configErrorf("client window [%v,%v] is not a time interval", fd.ClientStart, fd.ClientStop)
	}
	if fd.ServerStart < 0.0 || fd.ServerStop < fd.ServerStart {
		return configErrorf("server window [%v,%v] is not a time interval", fd.ServerStart, fd.ServerStop)
	}
	return nil
}

func useYAMLFor(filename string) (bool, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".yaml", ".yml":
		return true, nil
	case ".json":
		return false, nil
	}
	return false, fmt.Errorf("%s: expected a .yaml, .yml or .json extension", filename)
}

// WriteToFile stores the ScenarioCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (sc *ScenarioCfg) WriteToFile(filename string) error {
	useYAML, err := useYAMLFor(filename)
	if err != nil {
		return err
	}
	var bytes []byte
	if useYAML {
		bytes, err = yaml.Marshal(*sc)
	} else {
		bytes, err = json.MarshalIndent(*sc, "", "\t")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadScenarioCfg deserializes a byte slice holding a representation of a ScenarioCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them, and the file extension selects the format.  Fields absent from the input keep
// the values of DefaultScenarioCfg.
func ReadScenarioCfg(filename string, useYAML bool, dict []byte) (*ScenarioCfg, error) {
	var err error

	if len(dict) == 0 {
		useYAML, err = useYAMLFor(filename)
		if err != nil {
			return nil, err
		}
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := DefaultScenarioCfg()
	if useYAML {
		err = yaml.Unmarshal(dict, example)
	} else {
		err = json.Unmarshal(dict, example)
	}
	if err != nil {
		return nil, err
	}
	return example, nil
}
