package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ardents/p2pcore/internal/bootstrap"
	"ardents/p2pcore/internal/bootstrap/netconfig"
	"ardents/p2pcore/internal/capability"
	"ardents/p2pcore/internal/identity"
	"ardents/p2pcore/internal/metrics"
	"ardents/p2pcore/internal/p2p"
	"ardents/p2pcore/internal/platform/privacylog"
	"ardents/p2pcore/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	exitOK             = 0
	exitInvalidInput   = 10
	exitNetworkFailed  = 20
	exitIdentityFailed = 30
)

const (
	identityFile       = "identity.json"
	storeFile          = "store.json"
	bootstrapCacheFile = "bootstrap-cache.json"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "peer-id":
		runPeerID(os.Args[2:])
	case "run":
		runNode(os.Args[2:])
	case "grant":
		runGrant(os.Args[2:])
	case "version":
		writeStdoutf(exitInvalidInput, "ardents-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dataDir := fs.String("data-dir", ".", "node data directory")
	displayName := fs.String("display-name", "", "profile display name")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	path := filepath.Join(*dataDir, identityFile)
	if existing, err := readIdentity(path); err == nil {
		if err := printJSON(map[string]any{"created": false, "peer_id": existing.PeerID}); err != nil {
			writeStderrln(err.Error(), exitInvalidInput)
		}
		os.Exit(exitOK)
	}

	passphrase := os.Getenv("ARDENTS_PASSPHRASE")
	if strings.TrimSpace(passphrase) == "" {
		writeStderrln("ARDENTS_PASSPHRASE is required", exitInvalidInput)
	}

	var (
		id       identity.Identity
		mnemonic string
		err      error
	)
	if imported := strings.TrimSpace(os.Getenv("ARDENTS_MNEMONIC")); imported != "" {
		id, err = identity.Import(imported, passphrase, *displayName)
	} else {
		id, mnemonic, err = identity.Create(passphrase, *displayName)
	}
	if err != nil {
		writeStderrln(err.Error(), exitIdentityFailed)
	}
	if err := writeIdentity(path, id); err != nil {
		writeStderrln(err.Error(), exitIdentityFailed)
	}

	out := map[string]any{
		"created": true,
		"peer_id": id.PeerID,
	}
	if mnemonic != "" {
		out["mnemonic"] = mnemonic
	}
	if err := printJSON(out); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	os.Exit(exitOK)
}

func runPeerID(args []string) {
	fs := flag.NewFlagSet("peer-id", flag.ExitOnError)
	dataDir := fs.String("data-dir", ".", "node data directory")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	id, err := readIdentity(filepath.Join(*dataDir, identityFile))
	if err != nil {
		writeStderrln(err.Error(), exitIdentityFailed)
	}
	writeStdoutln(exitInvalidInput, id.PeerID)
	os.Exit(exitOK)
}

func runNode(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dataDir := fs.String("data-dir", ".", "node data directory")
	configPath := fs.String("config", "", "path to node.yaml (optional)")
	transport := fs.String("transport", "", "network transport override: libp2p | mock")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on host:port (optional)")
	logFormat := fs.String("log-format", "text", "log format: text | json")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	logger := newLogger(*logFormat)
	slog.SetDefault(logger)

	if *transport != "" {
		_ = os.Setenv("ARDENTS_NETWORK_TRANSPORT", *transport)
	}
	cfg, err := netconfig.LoadFromPath(*configPath)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	session, err := unlock(*dataDir)
	if err != nil {
		writeStderrln(err.Error(), exitIdentityFailed)
	}
	exitOn(withSession(session, func(s *identity.Session) error {
		return serveNode(logger, cfg, s, *dataDir, *metricsAddr)
	}))
}

// withSession runs fn and wipes the session keys before returning, so a later
// os.Exit cannot leave them in memory.
func withSession(session *identity.Session, fn func(*identity.Session) error) error {
	defer session.Lock()
	return fn(session)
}

func serveNode(logger *slog.Logger, cfg p2p.Config, session *identity.Session, dataDir, metricsAddr string) error {
	store, err := storage.NewEncrypted(filepath.Join(dataDir, storeFile), os.Getenv("ARDENTS_PASSPHRASE"))
	if err != nil {
		return fail(exitInvalidInput, err)
	}

	boot := bootstrap.NewManager(filepath.Join(dataDir, bootstrapCacheFile), nil)
	set := boot.Load(cfg.BootstrapNodes)
	cfg.BootstrapNodes = set.Entries
	logger.Info("bootstrap set selected", "source", set.Source, "entries", len(set.Entries), "reason", boot.LastReason())

	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	if err != nil {
		return fail(exitInvalidInput, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	svc := p2p.NewService(cfg, session, store, p2p.WithLogger(logger), p2p.WithMetrics(collector))
	if err := svc.Start(ctx); err != nil {
		return fail(exitNetworkFailed, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Stop(stopCtx); err != nil {
			logger.Warn("network service stop failed", "error", err)
		}
		logger.Info("ardents node stopped")
	}()

	h := svc.Handle()
	st := h.Status()
	logger.Info("ardents node running", "peer_id", h.PeerID(), "listen_addrs", strings.Join(st.ListenAddrs, ","))

	events, err := h.Subscribe(ctx)
	if err != nil {
		return fail(exitNetworkFailed, err)
	}
	for ev := range events {
		logEvent(logger, ev)
	}
	return nil
}

func runGrant(args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	dataDir := fs.String("data-dir", ".", "node data directory")
	grantee := fs.String("grantee", "", "peer id receiving the capability")
	capName := fs.String("capability", string(capability.ViewPosts), "view-profile | view-posts | direct-message")
	ttl := fs.Duration("ttl", 0, "grant lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	if strings.TrimSpace(*grantee) == "" {
		writeStderrln("grantee is required", exitInvalidInput)
	}
	c, err := capability.ParseCapability(*capName)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	session, err := unlock(*dataDir)
	if err != nil {
		writeStderrln(err.Error(), exitIdentityFailed)
	}

	now := time.Now()
	var expires *time.Time
	if *ttl > 0 {
		at := now.Add(*ttl)
		expires = &at
	}
	g, err := capability.IssueGrant(session, *grantee, c, now, expires)
	session.Lock()
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if err := printJSON(g); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
}

// cliError carries the process exit code for a failed command.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func (e *cliError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	return &cliError{code: code, err: err}
}

func exitOn(err error) {
	if err == nil {
		return
	}
	code := exitInvalidInput
	var ce *cliError
	if errors.As(err, &ce) {
		code = ce.code
	}
	writeStderrln(err.Error(), code)
}

func newLogger(format string) *slog.Logger {
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		h = slog.NewTextHandler(os.Stderr, nil)
	}
	return slog.New(privacylog.WrapHandler(h))
}

func logEvent(logger *slog.Logger, ev p2p.Event) {
	switch ev.Kind {
	case p2p.EventMessage:
		logger.Info("direct message received", "peer_id", ev.Peer, "message_id", ev.Message.ID, "bytes", len(ev.Message.Body))
	case p2p.EventIncomingCall, p2p.EventSignal:
		logger.Info("call signal received", "peer_id", ev.Peer, "session_id", ev.Signal.SessionID, "type", string(ev.Signal.Type))
	case p2p.EventConnectivity:
		logger.Info("peer connectivity changed", "peer_id", ev.Peer, "state", string(ev.State))
	case p2p.EventReachability:
		logger.Info("reachability changed", "reachability", ev.Reachability)
	case p2p.EventPeerDiscovered:
		logger.Debug("peer discovered", "peer_id", ev.Peer, "source", ev.Source, "addrs", len(ev.Addrs))
	}
}

func unlock(dataDir string) (*identity.Session, error) {
	id, err := readIdentity(filepath.Join(dataDir, identityFile))
	if err != nil {
		return nil, err
	}
	passphrase := os.Getenv("ARDENTS_PASSPHRASE")
	if passphrase == "" {
		return nil, errors.New("ARDENTS_PASSPHRASE is required")
	}
	return identity.Unlock(id, passphrase)
}

func readIdentity(path string) (identity.Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return identity.Identity{}, fmt.Errorf("no identity at %s, run init first", path)
		}
		return identity.Identity{}, err
	}
	var id identity.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return identity.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

func writeIdentity(path string, id identity.Identity) error {
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	writeStdoutln(exitInvalidInput, "ardents-node <command> [flags]")
	writeStdoutln(exitInvalidInput, "commands:")
	writeStdoutln(exitInvalidInput, "  init     --data-dir <path> [--display-name name]   (ARDENTS_PASSPHRASE, optional ARDENTS_MNEMONIC)")
	writeStdoutln(exitInvalidInput, "  peer-id  --data-dir <path>")
	writeStdoutln(exitInvalidInput, "  run      --data-dir <path> [--config path] [--transport libp2p|mock] [--metrics-addr host:port] [--log-format text|json]")
	writeStdoutln(exitInvalidInput, "  grant    --data-dir <path> --grantee <peer id> [--capability view-posts] [--ttl 720h]")
	writeStdoutln(exitInvalidInput, "  version")
}

func writeStdoutln(exitCode int, line string) {
	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		os.Exit(exitCode)
	}
}

func writeStdoutf(exitCode int, format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stdout, format, args...); err != nil {
		os.Exit(exitCode)
	}
}

func writeStderrln(line string, exitCode int) {
	if _, err := fmt.Fprintln(os.Stderr, line); err != nil {
		os.Exit(exitCode)
	}
	os.Exit(exitCode)
}
