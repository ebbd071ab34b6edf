package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glycerine/zpax/internal/durability"
	"github.com/glycerine/zpax/internal/paxos"
	"github.com/glycerine/zpax/internal/wire"
)

type fakeEngine struct {
	catchupCalls  int
	catchingUp    bool
	appliedKey    string
	appliedValue  string
	appliedInst   int64
	applyErr      error
}

func (f *fakeEngine) Catchup()                 { f.catchupCalls++ }
func (f *fakeEngine) CatchingUp() bool         { return f.catchingUp }
func (f *fakeEngine) OnValueSet(key, value string, instance int64) error {
	f.appliedKey, f.appliedValue, f.appliedInst = key, value, instance
	return f.applyErr
}

func newTestNode(t *testing.T) (*Node, *paxos.MemDriver, *fakeEngine) {
	t.Helper()
	driver := paxos.NewMemDriver("A", durability.NullOracle{})
	ceiling := int64(-1)
	n := New("A", driver, nil, func() int64 { return ceiling })
	eng := &fakeEngine{}
	n.SetEngine(eng)
	require.NoError(t, driver.Initialize(1))
	return n, driver, eng
}

func TestHeartbeatPayloadCarriesCurrentInstance(t *testing.T) {
	n, driver, _ := newTestNode(t)
	driver.SetCurrentSequenceNumber(42)
	data := n.getHeartbeatData()
	assert.EqualValues(t, 42, data.SeqNum)
}

// Exactly one instance ahead of ceiling is normal steady state: no
// catch-up trigger (§4.2 tie-break).
func TestHeartbeatOneAheadDoesNotTriggerCatchup(t *testing.T) {
	driver := paxos.NewMemDriver("A", durability.NullOracle{})
	ceiling := int64(5)
	n := New("A", driver, nil, func() int64 { return ceiling })
	eng := &fakeEngine{}
	n.SetEngine(eng)

	n.onHeartbeat("peer", paxos.HeartbeatData{SeqNum: 6})
	assert.Equal(t, 0, eng.catchupCalls)
}

func TestHeartbeatFarAheadTriggersCatchup(t *testing.T) {
	driver := paxos.NewMemDriver("A", durability.NullOracle{})
	ceiling := int64(1)
	n := New("A", driver, nil, func() int64 { return ceiling })
	eng := &fakeEngine{}
	n.SetEngine(eng)

	n.onHeartbeat("peer", paxos.HeartbeatData{SeqNum: 10})
	assert.Equal(t, 1, eng.catchupCalls)
	assert.EqualValues(t, 10, driver.CurrentSequenceNumber())
}

func TestCheckSequenceGatesWhileCatchingUp(t *testing.T) {
	n, _, eng := newTestNode(t)
	eng.catchingUp = true
	assert.False(t, n.checkSequence(paxos.MessageHeader{}))

	eng.catchingUp = false
	assert.True(t, n.checkSequence(paxos.MessageHeader{}))
}

func TestOnProposalResolutionDeliversDecodedPair(t *testing.T) {
	n, _, eng := newTestNode(t)
	raw, err := wire.EncodeProposedPair("x", "1")
	require.NoError(t, err)

	n.onProposalResolution(7, raw)
	assert.Equal(t, "x", eng.appliedKey)
	assert.Equal(t, "1", eng.appliedValue)
	assert.EqualValues(t, 7, eng.appliedInst)
}

func TestOnProposalResolutionIgnoresMalformedValue(t *testing.T) {
	n, _, eng := newTestNode(t)
	n.onProposalResolution(7, []byte("not json"))
	assert.Empty(t, eng.appliedKey)
}

func TestRunHeartbeatsDeliversToLinkedPeers(t *testing.T) {
	driverA := paxos.NewMemDriver("A", durability.NullOracle{})
	driverB := paxos.NewMemDriver("B", durability.NullOracle{})
	require.NoError(t, driverA.Initialize(1))
	require.NoError(t, driverB.Initialize(1))
	driverA.SetCurrentSequenceNumber(10)

	ceilingB := int64(1)
	nodeA := New("A", driverA, nil, func() int64 { return int64(-1) })
	nodeB := New("B", driverB, nil, func() int64 { return ceilingB })
	engB := &fakeEngine{}
	nodeB.SetEngine(engB)

	nodeA.LinkPeer(nodeB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nodeA.RunHeartbeats(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return engB.catchupCalls > 0
	}, time.Second, 5*time.Millisecond)
}
