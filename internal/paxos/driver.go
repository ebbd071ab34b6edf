// Package paxos defines the Multi-Paxos Driver contract the core
// consumes (§6.1) and carries a reference driver sufficient to exercise
// the core end to end. The concrete vote arithmetic of a single
// instance is explicitly out of scope for this repo; real deployments
// are expected to supply a hardened Driver implementation.
package paxos

import "fmt"

// HeartbeatData is the payload the core attaches to every heartbeat:
// the replica's current instance number (§4.2).
type HeartbeatData struct {
	SeqNum int64 `json:"seq_num"`
}

// MessageHeader is the subset of a Paxos wire message the core needs to
// inspect in order to apply its own sequencing gate (§6.1 check_sequence).
type MessageHeader struct {
	FromUID  string
	Instance int64
}

// ProposalError is returned by Propose when the driver refuses a
// proposal (not leader, instance full, or similar) — surfaced to
// clients as ProposalFailed (§7).
type ProposalError struct {
	Message string
}

func (e *ProposalError) Error() string { return e.Message }

// Callbacks is the set of hooks the core installs on a Driver. All of
// them are invoked on the single-threaded event loop and must not block.
type Callbacks struct {
	// GetHeartbeatData supplies the payload for the next outbound
	// heartbeat. The core implements this as {SeqNum: CurrentSequenceNumber}.
	GetHeartbeatData func() HeartbeatData

	// OnHeartbeat is invoked when a heartbeat arrives from a peer.
	OnHeartbeat func(fromUID string, data HeartbeatData)

	// OnBehindInSequence is invoked when the driver notices, while
	// processing an inbound message, that this replica is behind the
	// sender (old is this replica's sequence number, new is the
	// sender's).
	OnBehindInSequence func(old, new int64)

	// OnProposalResolution is invoked exactly once per instance, when
	// that instance resolves with a value.
	OnProposalResolution func(instance int64, value []byte)

	// CheckSequence lets the core veto message processing (e.g. while
	// catching up) by ANDing its own gate onto the driver's own
	// sequence check. Returning false means "drop this message".
	CheckSequence func(header MessageHeader) bool
}

// Driver is the Multi-Paxos driver for a single replica (§6.1). The core
// treats it as an external collaborator: construction, ballot
// management, and the proposer/acceptor/learner state machine are its
// concern, not the core's.
type Driver interface {
	// Propose submits value for the next available instance. It
	// returns a ProposalError if the driver refuses outright; its
	// return value does not report resolution — resolution is delivered
	// via Callbacks.OnProposalResolution (MemDriver invokes it before
	// Propose returns).
	Propose(value []byte) error

	// CurrentSequenceNumber is the instance currently under
	// negotiation (CurrentInstance, §3).
	CurrentSequenceNumber() int64

	// SetCurrentSequenceNumber forcibly advances CurrentInstance, used
	// when a heartbeat reveals this replica has fallen behind.
	SetCurrentSequenceNumber(n int64)

	// Initialize binds the driver to a quorum size. Called once a
	// valid Configuration is first available.
	Initialize(quorumSize int) error

	// ChangeQuorumSize updates the quorum size of an already
	// initialized driver.
	ChangeQuorumSize(n int) error

	// Connect (re)establishes the driver's view of cluster membership:
	// uid -> (paxos replication addr, paxos publish addr).
	Connect(nodes map[string][2]string) error

	// Shutdown releases any resources held by the driver.
	Shutdown() error

	// SetCallbacks installs the core's callback set. Called once,
	// before the driver is used.
	SetCallbacks(cb Callbacks)

	// Deliver hands an inbound wire message to the driver for
	// processing. The core is responsible for the catching_up gate
	// (I4); Deliver itself still applies the base sequence check via
	// Callbacks.CheckSequence.
	Deliver(header MessageHeader, body []byte) error
}

// ErrNotInitialized is returned by operations that require Initialize to
// have been called first.
var ErrNotInitialized = fmt.Errorf("paxos: driver not initialized")
