// Package config implements the Configuration Loader (§4.4): parsing
// the self-describing blob stored under the config key, computing
// quorum, rebinding sockets when addresses change, and informing the
// Paxos Driver of membership/quorum changes.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/glycerine/zpax/internal/paxos"
	"github.com/glycerine/zpax/internal/transport"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("config")
}

// NodeEntry is one member of the cluster, as carried in the config blob
// (§6.4).
type NodeEntry struct {
	UID        string `json:"uid"`
	PaxRepAddr string `json:"pax_rep_addr"`
	PaxPubAddr string `json:"pax_pub_addr"`
	KVRepAddr  string `json:"kv_rep_addr"`
}

// Blob is the structured configuration stored as the value of the
// reserved config key.
type Blob struct {
	Nodes       []NodeEntry `json:"nodes"`
	QuorumSize  *int        `json:"quorum_size,omitempty"`
}

// ParseBlob decodes raw JSON into a Blob.
func ParseBlob(raw []byte) (Blob, error) {
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return Blob{}, fmt.Errorf("config: parse: %w", err)
	}
	return b, nil
}

// Marshal encodes a Blob back to JSON, used by Engine.Initialize to seed
// the config key and by zpaxd init-cluster to print a seed blob.
func (b Blob) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// MissingConfigurationError is raised when this replica's UID is absent
// from the parsed blob — it has been removed from the cluster (§7).
type MissingConfigurationError struct {
	UID string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("config: replica %q not present in configuration", e.UID)
}

// SocketBinder is the subset of socket lifecycle the loader drives: bind
// the reply socket, reconnect the dealer. Implemented in production by
// TCPSocketBinder below; a fake in tests.
type SocketBinder interface {
	// BindReply closes any existing reply socket and binds a new one
	// at addr. Called only when addr differs from the currently bound
	// address (or nothing is bound yet).
	BindReply(addr string) error
	// CurrentReplyAddr returns the currently bound reply address, or
	// "" if none is bound.
	CurrentReplyAddr() string
	// ReconnectDealer closes the existing dealer channel and opens a
	// new one connected to every address in addrs. Called only when
	// addrs differs from the currently connected set.
	ReconnectDealer(addrs []string)
	// CurrentDealerAddrs returns the currently connected peer address set.
	CurrentDealerAddrs() []string
}

// Loader applies a parsed Configuration to the local replica's sockets
// and Paxos Driver, idempotently (P6): calling Load twice with
// byte-equal input produces no observable change.
type Loader struct {
	selfUID string
	driver  paxos.Driver
	sockets SocketBinder
	stats   statsd.Statter

	driverInitialized bool
	currentQuorum     int
}

// NewLoader constructs a Loader for the replica identified by selfUID,
// driving driver and sockets. stats may be nil.
func NewLoader(selfUID string, driver paxos.Driver, sockets SocketBinder, stats statsd.Statter) *Loader {
	return &Loader{selfUID: selfUID, driver: driver, sockets: sockets, stats: stats}
}

// Load runs the six-step contract of §4.4 against blob. It returns
// MissingConfigurationError if selfUID is absent; the caller (KV
// Engine) is responsible for swallowing that per I6/§7.
func (l *Loader) Load(blob Blob) error {
	nodeMap := make(map[string][2]string, len(blob.Nodes))
	var myAddr string
	var found bool
	peerAddrs := make([]string, 0, len(blob.Nodes))

	for _, n := range blob.Nodes {
		nodeMap[n.UID] = [2]string{n.PaxRepAddr, n.PaxPubAddr}
		if n.UID == l.selfUID {
			myAddr = n.KVRepAddr
			found = true
			continue
		}
		peerAddrs = append(peerAddrs, n.KVRepAddr)
	}

	if !found {
		return &MissingConfigurationError{UID: l.selfUID}
	}

	if myAddr != l.sockets.CurrentReplyAddr() {
		if err := l.sockets.BindReply(myAddr); err != nil {
			return fmt.Errorf("config: bind reply socket %s: %w", myAddr, err)
		}
	}

	if !addrSetEqual(peerAddrs, l.sockets.CurrentDealerAddrs()) {
		l.sockets.ReconnectDealer(peerAddrs)
	}

	quorum := DefaultQuorum(len(blob.Nodes))
	if blob.QuorumSize != nil {
		quorum = *blob.QuorumSize
	}

	if !l.driverInitialized {
		if err := l.driver.Initialize(quorum); err != nil {
			return fmt.Errorf("config: initialize driver: %w", err)
		}
		l.driverInitialized = true
		l.currentQuorum = quorum
	} else if quorum != l.currentQuorum {
		if err := l.driver.ChangeQuorumSize(quorum); err != nil {
			return fmt.Errorf("config: change quorum size: %w", err)
		}
		l.currentQuorum = quorum
	}

	if err := l.driver.Connect(nodeMap); err != nil {
		return fmt.Errorf("config: connect driver: %w", err)
	}

	if l.stats != nil {
		_ = l.stats.Inc("config.reload.count", 1, 1.0)
	}
	logger.Infof("configuration loaded: %d nodes, quorum %d", len(blob.Nodes), quorum)
	return nil
}

// DefaultQuorum computes floor(n/2)+1, the default quorum size when the
// blob does not specify one explicitly.
func DefaultQuorum(n int) int {
	return n/2 + 1
}

func addrSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// TCPSocketBinder is the reference SocketBinder backed by real TCP
// sockets (internal/transport), matching the teacher's PeerServer/
// ConnectionPool rebinding in cluster.go.
type TCPSocketBinder struct {
	handler func([]byte) ([]byte, error)

	replier *transport.Replier
	dealer  *transport.Dealer
}

// NewTCPSocketBinder returns a SocketBinder that binds a real TCP
// Replier and maintains a real Dealer, dispatching inbound requests to
// handler.
func NewTCPSocketBinder(handler func([]byte) ([]byte, error)) *TCPSocketBinder {
	return &TCPSocketBinder{handler: handler, dealer: transport.NewDealer(nil)}
}

func (b *TCPSocketBinder) BindReply(addr string) error {
	if b.replier != nil {
		_ = b.replier.Close()
		b.replier = nil
	}
	r, err := transport.NewReplier(addr, b.handler)
	if err != nil {
		return err
	}
	b.replier = r
	return nil
}

func (b *TCPSocketBinder) CurrentReplyAddr() string {
	if b.replier == nil {
		return ""
	}
	return b.replier.Addr()
}

func (b *TCPSocketBinder) ReconnectDealer(addrs []string) {
	b.dealer.Reconnect(addrs)
}

func (b *TCPSocketBinder) CurrentDealerAddrs() []string {
	return b.dealer.Addrs()
}

// Dealer exposes the underlying transport.Dealer for the engine to send
// catchup requests through.
func (b *TCPSocketBinder) Dealer() *transport.Dealer { return b.dealer }
