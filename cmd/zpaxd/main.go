// Command zpaxd is the process entrypoint for a zpax replica. Process
// bootstrap is explicitly out of scope for the CORE (spec.md §1); this
// is a thin wrapper that wires the CORE packages together and is not
// itself part of the specified behavior.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	logging "github.com/op/go-logging"
	"github.com/spf13/cobra"

	"github.com/glycerine/zpax/internal/config"
	"github.com/glycerine/zpax/internal/durability"
	"github.com/glycerine/zpax/internal/durablemap"
	"github.com/glycerine/zpax/internal/engine"
	"github.com/glycerine/zpax/internal/paxos"
	"github.com/glycerine/zpax/internal/replica"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("zpaxd")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "zpaxd",
		Short:        "zpax replicated key-value store replica",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newInitClusterCommand())
	return root
}

type serveOptions struct {
	uid          string
	dataDir      string
	logLevel     string
	catchupBatch int
	retryDelay   time.Duration
}

func newServeCommand() *cobra.Command {
	opts := serveOptions{
		uid:          "",
		dataDir:      "./data",
		logLevel:     "INFO",
		catchupBatch: 64,
		retryDelay:   time.Second,
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a replica's event loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	cmd.Flags().StringVar(&opts.uid, "uid", opts.uid, "this replica's UID (defaults to a fresh UUID on first boot)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", opts.dataDir, "directory for durability state")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: DEBUG, INFO, WARNING, ERROR")
	cmd.Flags().IntVar(&opts.catchupBatch, "catchup-batch", opts.catchupBatch, "max (key,value,instance) triples per catch-up reply")
	cmd.Flags().DurationVar(&opts.retryDelay, "catchup-retry-delay", opts.retryDelay, "delay between catch-up retries")
	return cmd
}

func runServe(opts serveOptions) error {
	level, err := logging.LogLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("zpaxd: invalid log level %q: %w", opts.logLevel, err)
	}
	logging.SetLevel(level, "")

	uid := opts.uid
	if uid == "" {
		uid = uuid.NewString()
		logger.Infof("no --uid given, generated %s", uid)
	}

	oracle, err := durability.NewFileOracle(opts.dataDir)
	if err != nil {
		return fmt.Errorf("zpaxd: durability oracle: %w", err)
	}

	store := durablemap.New()
	driver := paxos.NewMemDriver(uid, oracle)

	// The socket binder needs a request handler before the Engine it
	// will route to exists; forward indirectly through a pointer set
	// once the Engine is constructed.
	var eng *engine.Engine
	sockets := config.NewTCPSocketBinder(func(req []byte) ([]byte, error) {
		if eng == nil {
			return nil, nil
		}
		return eng.HandleRequest(req)
	})

	eng = engine.New(store, engine.Options{
		SelfUID:              uid,
		Driver:               driver,
		Sockets:              sockets,
		Dealer:               sockets.Dealer(),
		AllowConfigProposals: false,
		CatchupNumItems:      opts.catchupBatch,
		CatchupRetryDelay:    opts.retryDelay,
	})

	node := replica.New(uid, driver, nil, eng.InstanceCeiling)
	node.SetEngine(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.RunHeartbeats(ctx, time.Second)

	logger.Infof("replica %s ready (data dir %s)", uid, opts.dataDir)
	// A real process would now block on the event loop (socket
	// accept, signal handling); left to the caller's deployment
	// harness, out of scope for the CORE.
	select {}
}

func newInitClusterCommand() *cobra.Command {
	var uid, kvAddr, paxRepAddr, paxPubAddr string
	cmd := &cobra.Command{
		Use:   "init-cluster",
		Short: "Seed a fresh single-node cluster's configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uid == "" {
				uid = uuid.NewString()
			}
			blob := config.Blob{Nodes: []config.NodeEntry{
				{UID: uid, PaxRepAddr: paxRepAddr, PaxPubAddr: paxPubAddr, KVRepAddr: kvAddr},
			}}
			raw, err := blob.Marshal()
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "this replica's UID (defaults to a fresh UUID)")
	cmd.Flags().StringVar(&kvAddr, "kv-addr", "127.0.0.1:9900", "this replica's client-facing address")
	cmd.Flags().StringVar(&paxRepAddr, "pax-rep-addr", "127.0.0.1:9901", "this replica's Paxos replication address")
	cmd.Flags().StringVar(&paxPubAddr, "pax-pub-addr", "127.0.0.1:9902", "this replica's Paxos publish address")
	return cmd
}
