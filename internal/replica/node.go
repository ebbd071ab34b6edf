// Package replica implements the Replication Node (§4.2): a thin
// adapter layered over the Paxos Driver that piggybacks the current
// instance number on heartbeats, detects divergence from peers, gates
// Paxos message processing while catching up, and delivers resolved
// values to the KV Engine.
package replica

import (
	"context"
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/glycerine/zpax/internal/paxos"
	"github.com/glycerine/zpax/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("replica")
}

// Engine is the subset of the KV Engine the Replication Node talks to:
// catch-up entry and resolved-value delivery.
type Engine interface {
	Catchup()
	OnValueSet(key, value string, instance int64) error
	CatchingUp() bool
}

// Node wraps a paxos.Driver, implementing the overrides of §4.2. It
// installs itself as the driver's Callbacks, so it must be constructed
// before the driver starts being driven.
type Node struct {
	selfUID string
	driver  paxos.Driver
	stats   statsd.Statter

	mu              sync.Mutex
	engine          Engine
	instanceCeiling func() int64
	peers           map[string]*Node
}

// New wires Node to driver. SetEngine must be called before the driver
// is used, since the Node's callbacks reference the engine.
func New(selfUID string, driver paxos.Driver, stats statsd.Statter, instanceCeiling func() int64) *Node {
	n := &Node{selfUID: selfUID, driver: driver, stats: stats, instanceCeiling: instanceCeiling, peers: make(map[string]*Node)}
	driver.SetCallbacks(paxos.Callbacks{
		GetHeartbeatData:     n.getHeartbeatData,
		OnHeartbeat:          n.onHeartbeat,
		OnBehindInSequence:   n.onBehindInSequence,
		OnProposalResolution: n.onProposalResolution,
		CheckSequence:        n.checkSequence,
	})
	return n
}

// LinkPeer registers peer as a recipient of this Node's emitted
// heartbeats, mirroring paxos.MemDriver's in-process LinkPeer: a
// reference stand-in for a real heartbeat transport.
func (n *Node) LinkPeer(peer *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[peer.selfUID] = peer
}

// RunHeartbeats emits this replica's heartbeat payload to every linked
// peer on a fixed period, until ctx is done (§5: "heartbeat periodicity
// ... expressed as timer callbacks").
func (n *Node) RunHeartbeats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.emitHeartbeat()
		}
	}
}

func (n *Node) emitHeartbeat() {
	data := n.getHeartbeatData()
	n.mu.Lock()
	peers := make([]*Node, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()
	for _, p := range peers {
		p.onHeartbeat(n.selfUID, data)
	}
}

// SetEngine binds the KV Engine this Node delivers resolved values to
// and requests catch-up from.
func (n *Node) SetEngine(e Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine = e
}

func (n *Node) engineOrNil() Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine
}

// getHeartbeatData implements the heartbeat payload override: every
// heartbeat carries {seq_num: CurrentInstance}.
func (n *Node) getHeartbeatData() paxos.HeartbeatData {
	return paxos.HeartbeatData{SeqNum: n.driver.CurrentSequenceNumber()}
}

// onHeartbeat implements the heartbeat receipt rule of §4.2: a peer more
// than one instance ahead of our ceiling triggers catch-up; exactly one
// instance ahead is normal steady state and is not a trigger.
func (n *Node) onHeartbeat(fromUID string, data paxos.HeartbeatData) {
	ceiling := n.instanceCeiling()
	if data.SeqNum-1 > ceiling {
		if data.SeqNum > n.driver.CurrentSequenceNumber() {
			n.driver.SetCurrentSequenceNumber(data.SeqNum)
		}
		logger.Debugf("heartbeat from %s: seq_num=%d exceeds ceiling=%d, requesting catch-up", fromUID, data.SeqNum, ceiling)
		if eng := n.engineOrNil(); eng != nil {
			eng.Catchup()
		}
	}
}

// onBehindInSequence implements the "behind-in-sequence hook": the base
// driver noticed it is behind while processing a received message.
func (n *Node) onBehindInSequence(old, new int64) {
	logger.Debugf("behind in sequence: %d -> %d, requesting catch-up", old, new)
	if eng := n.engineOrNil(); eng != nil {
		eng.Catchup()
	}
}

// onProposalResolution implements resolution delivery: parse v as
// [key, value] and hand it to the KV Engine.
func (n *Node) onProposalResolution(instance int64, value []byte) {
	pair, err := wire.DecodeProposedPair(value)
	if err != nil {
		logger.Errorf("instance %d: malformed resolved value: %v", instance, err)
		return
	}
	if n.stats != nil {
		_ = n.stats.Inc("replica.resolution.count", 1, 1.0)
	}
	if eng := n.engineOrNil(); eng != nil {
		if err := eng.OnValueSet(pair.Key, pair.Value, instance); err != nil {
			logger.Errorf("instance %d: on_value_set: %v", instance, err)
		}
	}
}

// checkSequence implements the inbound-message gate of I4: while
// catching up, no Paxos message is dispatched to the base driver.
func (n *Node) checkSequence(header paxos.MessageHeader) bool {
	if eng := n.engineOrNil(); eng != nil && eng.CatchingUp() {
		if n.stats != nil {
			_ = n.stats.Inc("replica.gated_message.count", 1, 1.0)
		}
		return false
	}
	return true
}

// Deliver forwards an inbound Paxos message to the driver, subject to
// the driver's own CheckSequence (which this Node has wired to include
// the catching_up veto).
func (n *Node) Deliver(header paxos.MessageHeader, body []byte) error {
	return n.driver.Deliver(header, body)
}
