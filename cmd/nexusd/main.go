// nexusd runs one cluster member: a single Node wired to an HTTP
// transport and a cobra/pflag CLI, in the style raft-example wires
// startRaftNode + osutil's interrupt handling, generalized to this
// core's config surface (spec.md §6.3).
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nexuskv/nexus/node"
	"github.com/nexuskv/nexus/pkg/osutil"
	"github.com/nexuskv/nexus/pkg/xlog"
	"github.com/nexuskv/nexus/transport"
)

var logger = xlog.NewLogger("nexusd", xlog.INFO)

var flags struct {
	self       string
	peers      []string
	dataDir    string
	listenAddr string
	quiet      bool
	logLevel   string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "nexusd",
		Short: "run one nexus cluster member",
		RunE:  run,
	}

	registerFlags(rootCmd.Flags())
	rootCmd.MarkFlagRequired("self")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// registerFlags binds the CLI surface directly against a *pflag.FlagSet
// rather than cobra's thin wrapper, so --peers takes a native
// comma-separated StringSlice instead of a hand-split string.
func registerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flags.self, "self", "", "this node's own address, e.g. 127.0.0.1:8080 (required)")
	fs.StringSliceVar(&flags.peers, "peers", nil, "initial membership, including --self unless --quiet")
	fs.StringVar(&flags.dataDir, "data-dir", "", "directory for meta/binlog/store/snapshot (default: ./<self, ':' rewritten to '_'>)")
	fs.StringVar(&flags.listenAddr, "listen", "", "address to listen on (default: --self)")
	fs.BoolVar(&flags.quiet, "quiet", false, "start in quiet bootstrap mode, joined later via AddNode")
	fs.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warning, error")
}

func run(_ *cobra.Command, _ []string) error {
	xlog.SetGlobalMaxLogLevel(parseLogLevel(flags.logLevel))

	listenAddr := flags.listenAddr
	if listenAddr == "" {
		listenAddr = flags.self
	}

	peers := flags.peers
	if len(peers) == 0 && !flags.quiet {
		peers = []string{flags.self}
	}

	cfg := node.DefaultConfig()
	cfg.SelfID = flags.self
	cfg.Peers = peers
	cfg.DataDir = flags.dataDir
	cfg.QuietMode = flags.quiet

	tr := transport.New(5 * time.Second)
	n, err := node.New(cfg, tr)
	if err != nil {
		return fmt.Errorf("nexusd: construct node: %w", err)
	}

	srv := &http.Server{Addr: listenAddr, Handler: tr.HTTPHandler()}

	osutil.RegisterInterruptHandler(func() {
		n.Stop()
		srv.Close()
	})
	osutil.WaitForInterruptSignals(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	n.Start()
	logger.Infof("node %s listening on %s (quiet=%v)", flags.self, listenAddr, flags.quiet)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("nexusd: serve: %w", err)
	}
	return nil
}

func parseLogLevel(s string) xlog.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return xlog.DEBUG
	case "warning", "warn":
		return xlog.WARN
	case "error":
		return xlog.ERROR
	default:
		return xlog.INFO
	}
}
