package paxos

import (
	"fmt"
	"sync"

	logging "github.com/op/go-logging"

	"github.com/glycerine/zpax/internal/durability"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("paxos")
}

// instanceState tracks one Paxos instance's ballot/acceptance state, the
// part of the protocol spec.md explicitly leaves to the driver.
type instanceState struct {
	promisedBallot int64
	acceptedBallot int64
	acceptedValue  []byte
	resolved       bool
	resolvedValue  []byte
}

// MemDriver is a reference, in-memory Multi-Paxos driver used to
// exercise internal/replica and internal/engine without a hardened
// production Driver. Peers are wired directly to one another (no real
// network hop) the way the teacher's mockNode/mockCluster wire a test
// cluster in-process. It is not suitable for production use: a single
// dropped promise does not survive a restart, and there is no leader
// election beyond "whoever proposes next bumps the ballot".
type MemDriver struct {
	uid   string
	oracle durability.Oracle

	mu         sync.Mutex
	quorum     int
	initialized bool
	current    int64
	nextBallot int64
	instances  map[int64]*instanceState
	peers      map[string]*MemDriver

	cb Callbacks
}

// NewMemDriver constructs a MemDriver for replica uid. oracle may be
// durability.NullOracle{} to run with durability disabled.
func NewMemDriver(uid string, oracle durability.Oracle) *MemDriver {
	return &MemDriver{
		uid:       uid,
		oracle:    oracle,
		instances: make(map[int64]*instanceState),
		peers:     make(map[string]*MemDriver),
		nextBallot: 1,
	}
}

// LinkPeer wires this driver directly to another MemDriver's acceptor,
// standing in for the network hop a real driver would make. Symmetric
// linking is the caller's responsibility.
func (d *MemDriver) LinkPeer(uid string, peer *MemDriver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[uid] = peer
}

func (d *MemDriver) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

func (d *MemDriver) Initialize(quorumSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quorum = quorumSize
	d.initialized = true
	return nil
}

func (d *MemDriver) ChangeQuorumSize(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrNotInitialized
	}
	d.quorum = n
	return nil
}

func (d *MemDriver) Connect(nodes map[string][2]string) error {
	// peer linkage for MemDriver is done via LinkPeer at setup time;
	// Connect is a no-op acknowledgement of membership, matching the
	// driver contract's "(re)connect to the node map" step.
	return nil
}

func (d *MemDriver) Shutdown() error {
	return nil
}

func (d *MemDriver) CurrentSequenceNumber() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *MemDriver) SetCurrentSequenceNumber(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > d.current {
		d.current = n
	}
}

// Propose drives a full prepare/accept round against every linked peer
// plus itself, synchronously, for the instance at d.current. On a
// quorum of accepts it resolves the instance on every linked acceptor
// (including any that did not accept) and invokes OnProposalResolution
// on each before returning.
func (d *MemDriver) Propose(value []byte) error {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return ErrNotInitialized
	}
	instance := d.current
	ballot := d.nextBallot
	d.nextBallot++
	quorum := d.quorum
	acceptors := make([]*MemDriver, 0, len(d.peers)+1)
	acceptors = append(acceptors, d)
	for _, p := range d.peers {
		acceptors = append(acceptors, p)
	}
	d.mu.Unlock()

	promises := 0
	for _, a := range acceptors {
		if a.promise(instance, ballot) {
			promises++
		}
	}
	if promises < quorum {
		return &ProposalError{Message: fmt.Sprintf("instance %d: promise quorum not reached (%d/%d)", instance, promises, quorum)}
	}

	accepts := 0
	for _, a := range acceptors {
		if a.accept(instance, ballot, value) {
			accepts++
		}
	}
	if accepts < quorum {
		return &ProposalError{Message: fmt.Sprintf("instance %d: accept quorum not reached (%d/%d)", instance, accepts, quorum)}
	}

	for _, a := range acceptors {
		a.resolve(instance, value)
	}
	return nil
}

func (d *MemDriver) promise(instance, ballot int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.instances[instance]
	if !ok {
		st = &instanceState{}
		d.instances[instance] = st
	}
	if ballot < st.promisedBallot {
		return false
	}
	st.promisedBallot = ballot
	return true
}

func (d *MemDriver) accept(instance, ballot int64, value []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.instances[instance]
	if st == nil || ballot < st.promisedBallot {
		return false
	}
	st.acceptedBallot = ballot
	st.acceptedValue = value
	if d.oracle != nil {
		_ = d.oracle.Persist(d.uid, instance, value)
	}
	return true
}

func (d *MemDriver) resolve(instance int64, value []byte) {
	d.mu.Lock()
	st, ok := d.instances[instance]
	if !ok {
		st = &instanceState{}
		d.instances[instance] = st
	}
	if st.resolved {
		d.mu.Unlock()
		return
	}
	st.resolved = true
	st.resolvedValue = value
	if instance >= d.current {
		d.current = instance + 1
	}
	cb := d.cb
	d.mu.Unlock()
	logger.Debugf("%s: instance %d resolved", d.uid, instance)
	if cb.OnProposalResolution != nil {
		cb.OnProposalResolution(instance, value)
	}
}

// Deliver applies the core's sequencing gate (CheckSequence, which ANDs
// in the catching_up veto) before touching any instance state, matching
// §6.1's check_sequence contract. MemDriver has no real wire messages of
// its own (Propose drives acceptors directly), so Deliver only exists to
// satisfy the Driver interface and the I4 gating tests.
func (d *MemDriver) Deliver(header MessageHeader, body []byte) error {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb.CheckSequence != nil && !cb.CheckSequence(header) {
		return nil
	}
	return nil
}
