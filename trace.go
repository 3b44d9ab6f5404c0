package manet

// trace.go records what each node did with the frames it handled: every control
// message emitted, received or dropped, and every data packet sent, forwarded,
// delivered or dropped.  Records are kept per node, in the order the node produced them.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceRecordType tells control plane records from data plane records
type TraceRecordType int

const (
	ControlType TraceRecordType = iota
	DataType
)

func (trt TraceRecordType) String() string {
	if trt == ControlType {
		return "control"
	}
	return "data"
}

// NameType is a an entry in a dictionary created for a trace
// that maps node id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// NetTrace describes one control or data frame event, for post-run analysis
type NetTrace struct {
	Time    float64 `json:"time" yaml:"time"`
	Kind    string  `json:"kind" yaml:"kind"`
	Peer    int     `json:"peer" yaml:"peer"` // the other end of the frame, -1 for broadcast
	Op      string  `json:"op" yaml:"op"`     // "tx", "rx", "fwd", "drop"
	MsgType string  `json:"msgtype" yaml:"msgtype"`
	Seq     int     `json:"seq" yaml:"seq"`
	Size    int     `json:"size" yaml:"size"`
}

// TraceManager gathers the frame events of one execution of a scenario
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each node id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// records of each node, by node id
	Traces map[int][]NetTrace `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]NetTrace)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if !tm.Active() {
		return
	}
	if _, present := tm.NameByID[id]; present {
		panic("duplicated id in AddName")
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// Len is the number of trace records held
func (tm *TraceManager) Len() int {
	n := 0
	for _, trcs := range tm.Traces {
		n += len(trcs)
	}
	return n
}

// Records returns the records of one node, oldest first
func (tm *TraceManager) Records(nodeID int) []NetTrace {
	return tm.Traces[nodeID]
}

// Serialize renders the whole trace as yaml.  Map keys are emitted in sorted order,
// so two identical executions serialize to identical bytes.
func (tm *TraceManager) Serialize() ([]byte, error) {
	return yaml.Marshal(*tm)
}

// WriteToFile stores the trace to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.Active() {
		return nil
	}
	var bytes []byte
	var merr error

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = tm.Serialize()
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	default:
		return fmt.Errorf("trace file %s: unrecognized extension", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// AddNetTrace records a frame event at node nodeID, at simulation time vrt
func AddNetTrace(tm *TraceManager, vrt vrtime.Time, trt TraceRecordType, nodeID, peer int, op, msgType string, seq, size int) {
	if !tm.Active() {
		return
	}
	ntr := NetTrace{Time: vrt.Seconds(), Kind: trt.String(), Peer: peer, Op: op, MsgType: msgType, Seq: seq, Size: size}
	tm.Traces[nodeID] = append(tm.Traces[nodeID], ntr)
}
