// Package engine implements the KV Engine (§4.3): the orchestrator
// holding the Durable Map, the Replication Node, and the catch-up state
// machine, and handling client requests and configuration reloads.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/glycerine/zpax/internal/config"
	"github.com/glycerine/zpax/internal/durablemap"
	"github.com/glycerine/zpax/internal/paxos"
	"github.com/glycerine/zpax/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("engine")
}

// ConfigKey is the reserved key under which the cluster Configuration
// blob is stored. By default it is not proposable via the client
// surface (§3).
const ConfigKey = "__zpax_config__"

// AdminResolution is the sentinel resolution used once, at
// initialization, to seed the config key before any consensus has run.
const AdminResolution int64 = -1

// Clock abstracts time so retry scheduling is testable without a real
// timer; production code uses RealClock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the minimal handle engine needs to cancel a pending retry.
type Timer interface {
	Stop() bool
}

// RealClock schedules with time.AfterFunc.
type RealClock struct{}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Dealer is the fan-out channel the engine uses to send catchup
// requests to peers (§6.3).
type Dealer interface {
	SendFirst(body []byte) ([]byte, error)
}

// Options configures an Engine.
type Options struct {
	SelfUID              string
	Driver               paxos.Driver
	Sockets              config.SocketBinder
	Dealer               Dealer
	Stats                statsd.Statter
	AllowConfigProposals bool
	CatchupNumItems      int
	CatchupRetryDelay    time.Duration
	Clock                Clock
}

// CatchupState is one of idle or catching_up (§3).
type CatchupState int

const (
	Idle CatchupState = iota
	CatchingUp
)

// Engine is the orchestrator of §4.3. Besides its callers, the engine
// itself re-enters from other goroutines: catch-up replies are applied
// on the goroutine that awaits the dealer round-trip, and retries fire
// on the Clock's timer goroutine. The internal mutex guards the state
// shared between them.
type Engine struct {
	store  *durablemap.Map
	driver paxos.Driver
	loader *config.Loader
	dealer Dealer
	stats  statsd.Statter
	clock  Clock

	selfUID              string
	allowConfigProposals bool
	catchupNumItems      int
	catchupRetryDelay    time.Duration

	mu              sync.Mutex
	ceiling         int64
	state           CatchupState
	retryTimer      Timer
	onCaughtUp      func()
	initialized     bool
}

// ErrAlreadyInitialized is returned by Initialize when a config key
// already exists.
var ErrAlreadyInitialized = fmt.Errorf("engine: already initialized")

// ErrAccessDenied is returned by Propose/Query on the config key when
// AllowConfigProposals is false (§7).
var ErrAccessDenied = fmt.Errorf("engine: access denied")

// New constructs an Engine over the caller's durablemap.Map; the
// initial InstanceCeiling is read from the map's MaxResolution.
func New(store *durablemap.Map, opts Options) *Engine {
	if opts.CatchupNumItems <= 0 {
		opts.CatchupNumItems = 64
	}
	if opts.CatchupRetryDelay <= 0 {
		opts.CatchupRetryDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	e := &Engine{
		store:                store,
		driver:               opts.Driver,
		dealer:               opts.Dealer,
		stats:                opts.Stats,
		clock:                opts.Clock,
		selfUID:              opts.SelfUID,
		allowConfigProposals: opts.AllowConfigProposals,
		catchupNumItems:      opts.CatchupNumItems,
		catchupRetryDelay:    opts.CatchupRetryDelay,
		ceiling:              store.MaxResolution(),
		onCaughtUp:           func() {},
	}
	e.loader = config.NewLoader(opts.SelfUID, opts.Driver, opts.Sockets, opts.Stats)
	return e
}

// SetOnCaughtUp installs the hook invoked when catch-up exits (default no-op).
func (e *Engine) SetOnCaughtUp(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f == nil {
		f = func() {}
	}
	e.onCaughtUp = f
}

// Initialize writes the config blob under resolution AdminResolution
// and loads configuration. It fails with ErrAlreadyInitialized if a
// config key already exists — may be called at most once in the
// lifetime of a fresh replica.
func (e *Engine) Initialize(blob config.Blob) error {
	e.mu.Lock()
	if e.initialized || e.store.KeyExists(ConfigKey) {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.mu.Unlock()

	raw, err := blob.Marshal()
	if err != nil {
		return fmt.Errorf("engine: marshal config: %w", err)
	}
	e.store.PutIfNewer(ConfigKey, string(raw), AdminResolution)

	if err := e.loader.Load(blob); err != nil {
		if _, ok := err.(*config.MissingConfigurationError); !ok {
			return err
		}
		logger.Warningf("initialize: %v", err)
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	if e.stats != nil {
		_ = e.stats.Inc("engine.initialize.count", 1, 1.0)
	}
	return nil
}

// Propose refuses config-key writes unless AllowConfigProposals, else
// encodes [key, value] and calls the driver's Propose.
func (e *Engine) Propose(key, value string) (proposed bool, message string) {
	if key == ConfigKey && !e.allowConfigProposals {
		return false, ErrAccessDenied.Error()
	}
	raw, err := wire.EncodeProposedPair(key, value)
	if err != nil {
		return false, err.Error()
	}
	if err := e.driver.Propose(raw); err != nil {
		if e.stats != nil {
			_ = e.stats.Inc("engine.propose.error", 1, 1.0)
		}
		return false, err.Error()
	}
	if e.stats != nil {
		_ = e.stats.Inc("engine.propose.count", 1, 1.0)
	}
	return true, ""
}

// Query returns the locally stored value for key, which may be stale
// (non-goal: strict read-after-write). Returns AccessDenied for the
// config key when AllowConfigProposals is false (P7).
func (e *Engine) Query(key string) (value string, found bool, err error) {
	if key == ConfigKey && !e.allowConfigProposals {
		return "", false, ErrAccessDenied
	}
	v, ok := e.store.Get(key)
	return v, ok, nil
}

// InstanceCeiling returns the cached InstanceCeiling. OnValueSet sets it
// to the delivered instance unconditionally, so a duplicate or older
// delivery can leave it below MaxResolution; each catch-up batch
// refreshes it from MaxResolution.
func (e *Engine) InstanceCeiling() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ceiling
}

// CatchingUp reports whether the engine is currently in the
// catching_up state (used by the Replication Node's gate, I4).
func (e *Engine) CatchingUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == CatchingUp
}

// OnValueSet applies one consensus outcome (§4.3): reload configuration
// if key is the config key, put_if_newer, then set InstanceCeiling
// unconditionally.
func (e *Engine) OnValueSet(key, value string, instance int64) error {
	if key == ConfigKey {
		e.reloadConfig(value)
	}
	e.store.PutIfNewer(key, value, instance)

	e.mu.Lock()
	e.ceiling = instance
	e.mu.Unlock()

	if e.stats != nil {
		_ = e.stats.Gauge("engine.instance_ceiling", instance, 1.0)
	}
	return nil
}

func (e *Engine) reloadConfig(value string) {
	blob, err := config.ParseBlob([]byte(value))
	if err != nil {
		logger.Errorf("config reload: parse: %v", err)
		return
	}
	if err := e.loader.Load(blob); err != nil {
		if _, ok := err.(*config.MissingConfigurationError); ok {
			// I6: evicted replicas keep serving locally stored data
			// without raising.
			logger.Infof("config reload: %v (evicted, continuing to serve locally)", err)
			return
		}
		logger.Errorf("config reload: %v", err)
	}
}

// CatchupRequestHandler answers a peer's catchup_request: up to
// catchupNumItems entries strictly newer than lastKnownSeq, ascending.
func (e *Engine) CatchupRequestHandler(lastKnownSeq int64) wire.CatchupData {
	records := e.store.ScanByResolution(lastKnownSeq, nil)
	if len(records) > e.catchupNumItems {
		records = records[:e.catchupNumItems]
	}
	items := make([]wire.KeyValSeq, len(records))
	for i, r := range records {
		items[i] = wire.KeyValSeq{Key: r.Key, Value: r.Value, Seq: r.Resolution}
	}
	return wire.CatchupData{Type: wire.HeaderCatchupData, FromSeq: lastKnownSeq, KeyValSeqList: items}
}

// Catchup is the catch-up entry point (§4.3 catchup()). It is a no-op if
// already catching up or already current.
func (e *Engine) Catchup() {
	e.mu.Lock()
	if e.state == CatchingUp {
		e.mu.Unlock()
		return
	}
	if e.ceiling == e.driver.CurrentSequenceNumber()-1 {
		e.mu.Unlock()
		return
	}
	e.state = CatchingUp
	e.mu.Unlock()

	if e.stats != nil {
		_ = e.stats.Inc("engine.catchup.enter.count", 1, 1.0)
	}
	e.sendCatchupRequest()
}

// sendCatchupRequest is the "schedule retry, send a catchup-request"
// half of §4.3's catch-up contract: it never blocks on the network.
// The retry timer is armed immediately, before the dealer round-trip
// even starts, so a single unresponsive peer only ever costs one
// scheduling delay, never the caller's goroutine. The reply, if any,
// arrives later as a distinct "receive catchup-data" event handled by
// OnCatchupData off the dealer's own goroutine (§9: suspension points
// stay confined to network/timer awaits, never the core's call stack).
func (e *Engine) sendCatchupRequest() {
	e.mu.Lock()
	if e.state != CatchingUp {
		e.mu.Unlock()
		return
	}
	lastKnown := e.ceiling
	e.retryTimer = e.clock.AfterFunc(e.catchupRetryDelay, e.sendCatchupRequest)
	e.mu.Unlock()

	if e.stats != nil {
		_ = e.stats.Inc("engine.catchup.request.count", 1, 1.0)
	}

	if e.dealer == nil {
		return
	}
	req := wire.CatchupRequest{HeaderType: wire.HeaderCatchupRequest, LastKnownSeq: lastKnown}
	body, err := marshalCatchupRequest(req)
	if err != nil {
		return
	}
	go e.awaitCatchupReply(body)
}

// awaitCatchupReply performs the dealer round-trip (the only blocking
// I/O in the catch-up path) off the triggering goroutine and feeds a
// well-formed reply back through OnCatchupData.
func (e *Engine) awaitCatchupReply(body []byte) {
	reply, err := e.dealer.SendFirst(body)
	if err != nil {
		return
	}
	data, err := unmarshalCatchupData(reply)
	if err != nil {
		return
	}
	e.OnCatchupData(data)
}

// OnCatchupData applies one catch-up reply (§4.3). A reply whose
// FromSeq doesn't match the current ceiling is a StaleCatchupReply and
// is silently discarded (§7).
func (e *Engine) OnCatchupData(data wire.CatchupData) {
	e.mu.Lock()
	if data.FromSeq != e.ceiling {
		e.mu.Unlock()
		if e.stats != nil {
			_ = e.stats.Inc("engine.catchup.stale_reply.count", 1, 1.0)
		}
		return
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	for _, item := range data.KeyValSeqList {
		if item.Key == ConfigKey {
			e.reloadConfig(item.Value)
		}
		e.store.PutIfNewer(item.Key, item.Value, item.Seq)
	}

	e.mu.Lock()
	e.ceiling = e.store.MaxResolution()
	e.mu.Unlock()

	if e.stats != nil {
		_ = e.stats.Gauge("engine.instance_ceiling", e.InstanceCeiling(), 1.0)
		_ = e.stats.Inc("engine.catchup.round.count", 1, 1.0)
	}

	e.reenterCatchup()
}

// reenterCatchup implements "Re-enter catchup()" from §4.3: exits
// cleanly when caught up, otherwise issues the next request.
func (e *Engine) reenterCatchup() {
	e.mu.Lock()
	current := e.ceiling == e.driver.CurrentSequenceNumber()-1
	if current {
		e.state = Idle
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
	}
	e.mu.Unlock()

	if current {
		if e.stats != nil {
			_ = e.stats.Inc("engine.catchup.exit.count", 1, 1.0)
		}
		e.onCaughtUp()
		return
	}
	e.sendCatchupRequest()
}

func marshalCatchupRequest(req wire.CatchupRequest) ([]byte, error) {
	return json.Marshal(req)
}

func unmarshalCatchupData(raw []byte) (wire.CatchupData, error) {
	var data wire.CatchupData
	if err := json.Unmarshal(raw, &data); err != nil {
		return wire.CatchupData{}, fmt.Errorf("engine: unmarshal catchup data: %w", err)
	}
	return data, nil
}

// Shutdown cancels the retry timer, and shuts down the Paxos Driver
// (§5). Sockets are owned by the caller (cmd/zpaxd).
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()
	return e.driver.Shutdown()
}
