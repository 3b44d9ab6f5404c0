package manet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressPlan(t *testing.T) {
	plan, err := CreateAddressPlan("10.0.0.0/24", 15)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), plan.MainAddr(0))
	assert.Equal(t, netip.MustParseAddr("10.0.0.15"), plan.MainAddr(14))
	assert.Equal(t, netip.MustParseAddr("10.0.0.255"), plan.Broadcast())
	assert.Equal(t, 15, plan.NumNodes())

	id, ok := plan.NodeOf(netip.MustParseAddr("10.0.0.7"))
	assert.True(t, ok)
	assert.Equal(t, NodeID(6), id)
	_, ok = plan.NodeOf(netip.MustParseAddr("10.0.0.16"))
	assert.False(t, ok)

	alias := netip.MustParseAddr("172.16.0.3")
	require.NoError(t, plan.AddAlias(2, alias))
	id, ok = plan.NodeOf(alias)
	assert.True(t, ok)
	assert.Equal(t, NodeID(2), id)
	assert.Equal(t, []netip.Addr{alias}, plan.Aliases(2))
	assert.ErrorIs(t, plan.AddAlias(3, alias), ErrConfig)
	assert.ErrorIs(t, plan.AddAlias(3, plan.MainAddr(4)), ErrConfig)

	wide, err := CreateAddressPlan("10.1.0.0/16", 3)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.255.255"), wide.Broadcast())

	_, err = CreateAddressPlan("10.0.0.0/30", 3)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = CreateAddressPlan("2001:db8::/64", 3)
	assert.ErrorIs(t, err, ErrConfig)
}

// echoScenario runs a 5 node line with one echo flow from node 0 to node 4
func echoScenario(t *testing.T, adjust func(*ScenarioCfg)) *Scenario {
	t.Helper()
	return lineScenario(t, 5, 30.0, func(cfg *ScenarioCfg) {
		cfg.Flows = []EchoFlowDesc{{Client: 0, Server: 4, Port: 9, PacketSize: 64, Interval: 0.5,
			MaxPackets: 10, ClientStart: 12.0, ClientStop: 20.0, ServerStart: 1.0, ServerStop: 25.0}}
		if adjust != nil {
			adjust(cfg)
		}
	})
}

func TestEchoOverConvergedRoutes(t *testing.T) {
	scen := echoScenario(t, nil)
	rpt, err := scen.Run()
	require.NoError(t, err)

	client, server := scen.Clients[0], scen.Servers[0]
	assert.Equal(t, 10, client.Sent)
	assert.Equal(t, 10, server.Received)
	assert.Equal(t, 10, client.Received)
	assert.Greater(t, client.RttSum, 0.0)

	// requests and replies, every one delivered
	assert.Equal(t, 20, rpt.TxPackets)
	assert.Equal(t, 20, rpt.RxPackets)
	assert.Equal(t, 100.0, rpt.PDR)
	require.True(t, rpt.DelayAvailable)
	assert.Greater(t, rpt.AvgDelay, 0.0)
	assert.Zero(t, rpt.LostPackets)
	require.Len(t, rpt.Flows, 2)
	assert.Equal(t, "10.0.0.1:49153 -> 10.0.0.5:9", rpt.Flows[0].Key)
	assert.Equal(t, "10.0.0.5:9 -> 10.0.0.1:49153", rpt.Flows[1].Key)
}

func TestEchoWithoutRoute(t *testing.T) {
	scen := echoScenario(t, func(cfg *ScenarioCfg) {
		cfg.Nodes = LineNodes(5, 100.0)
	})
	assert.False(t, scen.CheckConnections())
	rpt, err := scen.Run()
	require.NoError(t, err)

	assert.Equal(t, 10, rpt.TxPackets)
	assert.Zero(t, rpt.RxPackets)
	assert.Equal(t, 10, rpt.LostPackets)
	assert.Equal(t, 0.0, rpt.PDR)
	assert.False(t, rpt.DelayAvailable)
	assert.Equal(t, map[string]int{"no route": 10}, rpt.Flows[0].Record.LossReasons)
}

func TestEchoServerOutsideItsWindow(t *testing.T) {
	scen := echoScenario(t, func(cfg *ScenarioCfg) {
		cfg.Flows[0].ServerStop = 14.0
	})
	rpt, err := scen.Run()
	require.NoError(t, err)

	// requests keep arriving after the server stopped, but are not answered
	assert.Equal(t, 10, scen.Clients[0].Sent)
	assert.Equal(t, 4, scen.Servers[0].Received)
	assert.Equal(t, 4, scen.Clients[0].Received)
	assert.Equal(t, 14, rpt.TxPackets)
	assert.Equal(t, 14, rpt.RxPackets)
}

func TestStartClientRejectsBadParameters(t *testing.T) {
	scen := lineScenario(t, 2, 10.0, nil)
	node := scen.Nodes[0]
	target := scen.Plan.MainAddr(1)

	_, err := StartClient(scen.Sched, node, target, 0, 64, 0.2, 10, 1.0, 2.0)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = StartClient(scen.Sched, node, target, 9, 0, 0.2, 10, 1.0, 2.0)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = StartClient(scen.Sched, node, target, 9, 64, 0.0, 10, 1.0, 2.0)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = StartClient(scen.Sched, node, target, 9, 64, 0.2, 10, 3.0, 2.0)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = StartServer(scen.Sched, scen.Nodes[1], 9, 1.0, 5.0)
	require.NoError(t, err)
	_, err = StartServer(scen.Sched, scen.Nodes[1], 9, 1.0, 5.0)
	assert.ErrorIs(t, err, ErrConfig)
}
