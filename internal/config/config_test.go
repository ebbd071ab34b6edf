package config

import (
	"strings"
	"sync"
	"testing"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glycerine/zpax/internal/durability"
	"github.com/glycerine/zpax/internal/paxos"
)

// capturingSender is a statsd.Sender that records every datagram sent
// through it, so tests can assert on which stats a Statter emitted
// without standing up a real UDP listener.
type capturingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *capturingSender) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, string(data))
	return len(data), nil
}

func (s *capturingSender) Close() error { return nil }

func (s *capturingSender) contains(stat string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.sent {
		if strings.Contains(d, stat) {
			return true
		}
	}
	return false
}

type fakeSockets struct {
	replyAddr   string
	dealerAddrs []string
	bindCalls   int
	reconnects  int
}

func (f *fakeSockets) BindReply(addr string) error {
	f.replyAddr = addr
	f.bindCalls++
	return nil
}
func (f *fakeSockets) CurrentReplyAddr() string { return f.replyAddr }
func (f *fakeSockets) ReconnectDealer(addrs []string) {
	f.dealerAddrs = addrs
	f.reconnects++
}
func (f *fakeSockets) CurrentDealerAddrs() []string { return f.dealerAddrs }

func testBlob() Blob {
	return Blob{Nodes: []NodeEntry{
		{UID: "A", PaxRepAddr: "a-rep", PaxPubAddr: "a-pub", KVRepAddr: "kv-a"},
		{UID: "B", PaxRepAddr: "b-rep", PaxPubAddr: "b-pub", KVRepAddr: "kv-b"},
		{UID: "C", PaxRepAddr: "c-rep", PaxPubAddr: "c-pub", KVRepAddr: "kv-c"},
	}}
}

func TestLoadBindsSelfAndPeers(t *testing.T) {
	driver := paxos.NewMemDriver("A", durability.NullOracle{})
	sockets := &fakeSockets{}
	l := NewLoader("A", driver, sockets, nil)

	require.NoError(t, l.Load(testBlob()))
	assert.Equal(t, "kv-a", sockets.replyAddr)
	assert.ElementsMatch(t, []string{"kv-b", "kv-c"}, sockets.dealerAddrs)
	assert.Equal(t, 1, sockets.bindCalls)
	assert.Equal(t, 1, sockets.reconnects)
}

func TestLoadMissingConfiguration(t *testing.T) {
	driver := paxos.NewMemDriver("Z", durability.NullOracle{})
	sockets := &fakeSockets{}
	l := NewLoader("Z", driver, sockets, nil)

	err := l.Load(testBlob())
	require.Error(t, err)
	var missing *MissingConfigurationError
	assert.ErrorAs(t, err, &missing)
}

// P6: calling the loader twice with byte-equal config causes no socket
// rebind and no quorum change.
func TestLoadIsIdempotent(t *testing.T) {
	driver := paxos.NewMemDriver("A", durability.NullOracle{})
	sockets := &fakeSockets{}
	l := NewLoader("A", driver, sockets, nil)

	blob := testBlob()
	require.NoError(t, l.Load(blob))
	assert.Equal(t, 1, sockets.bindCalls)
	assert.Equal(t, 1, sockets.reconnects)

	require.NoError(t, l.Load(blob))
	assert.Equal(t, 1, sockets.bindCalls, "re-loading identical config must not rebind the reply socket")
	assert.Equal(t, 1, sockets.reconnects, "re-loading identical config must not reconnect the dealer")
}

func TestDefaultQuorum(t *testing.T) {
	assert.Equal(t, 1, DefaultQuorum(1))
	assert.Equal(t, 2, DefaultQuorum(3))
	assert.Equal(t, 3, DefaultQuorum(5))
	assert.Equal(t, 3, DefaultQuorum(4))
}

func TestExplicitQuorumOverridesDefault(t *testing.T) {
	driver := paxos.NewMemDriver("A", durability.NullOracle{})
	sockets := &fakeSockets{}
	l := NewLoader("A", driver, sockets, nil)

	blob := testBlob()
	q := 2
	blob.QuorumSize = &q
	require.NoError(t, l.Load(blob))
	assert.Equal(t, 2, l.currentQuorum)
}

// A successful Load emits config.reload.count, the ambient stat
// SPEC_FULL.md commits this package to carrying.
func TestLoadEmitsReloadCountStat(t *testing.T) {
	driver := paxos.NewMemDriver("A", durability.NullOracle{})
	sockets := &fakeSockets{}
	sender := &capturingSender{}
	stats, err := statsd.NewClientWithSender(sender, "zpax")
	require.NoError(t, err)
	l := NewLoader("A", driver, sockets, stats)

	require.NoError(t, l.Load(testBlob()))
	assert.True(t, sender.contains("config.reload.count"))
}

func TestBlobMarshalRoundTrip(t *testing.T) {
	blob := testBlob()
	raw, err := blob.Marshal()
	require.NoError(t, err)

	got, err := ParseBlob(raw)
	require.NoError(t, err)
	assert.Equal(t, blob.Nodes, got.Nodes)
}
