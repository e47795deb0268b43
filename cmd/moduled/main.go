// Command moduled is the Local Module Manager daemon: it reads
// its TOML config, builds every Module Instance the config and local
// users permit, and runs the manager's cooperative event loop until a
// signal asks it to stop.
//
// Re-exec mode: when invoked as "moduled --run-module <name>", it skips
// all of the above and instead runs as a standalone module's child
// process, reading CALL/RECV/SHUTDOWN from stdin and writing
// SEND/RETURN/EXCEPT to stdout. This is how Factory spawns standalone
// modules: by re-executing its own binary.
//
// Grounded on minimega's phenix/cmd (cobra root command with
// PersistentPreRunE doing shared setup) for the CLI shape.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/audit"
	"github.com/fpemud/selfnetd/internal/config"
	"github.com/fpemud/selfnetd/internal/host"
	"github.com/fpemud/selfnetd/internal/introspect"
	"github.com/fpemud/selfnetd/internal/manager"
	"github.com/fpemud/selfnetd/internal/module"
	_ "github.com/fpemud/selfnetd/internal/modules/chatdemo"
	"github.com/fpemud/selfnetd/internal/transport"
	"github.com/fpemud/selfnetd/internal/userdir"
)

var (
	configPath string
	runDir     string
	listenAddr string
	httpAddr   string
	auditPath  string
	logLevel   string
	runModule  string
	tlsCert    string
	tlsKey     string
	tlsCA      string
)

func main() {
	root := &cobra.Command{
		Use:   "moduled",
		Short: "per-host module supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runModule != "" {
				return runChildMode(runModule)
			}
			return runDaemon()
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&configPath, "config", "/etc/selfnetd/moduled.toml", "path to the TOML config file")
	root.Flags().StringVar(&runDir, "run-dir", "/var/run/selfnetd", "scratch directory for instance tmpDirs")
	root.Flags().StringVar(&listenAddr, "listen", "", "address to accept peer connections on (empty = no peer transport is started)")
	root.Flags().StringVar(&httpAddr, "http", "127.0.0.1:7890", "address for the introspection HTTP/websocket surface")
	root.Flags().StringVar(&auditPath, "audit-db", "/var/lib/selfnetd/audit.db", "path to the sqlite audit trail")
	root.Flags().StringVar(&logLevel, "log-level", "info", "minilog level: debug, info, warn, error")
	root.Flags().StringVar(&runModule, "run-module", "", "internal: run as the standalone child process for this module factory name")
	root.Flags().StringVar(&tlsCert, "tls-cert", "", "this host's certificate, for mutual-TLS peer connections (requires --tls-key and --tls-ca)")
	root.Flags().StringVar(&tlsKey, "tls-key", "", "this host's private key")
	root.Flags().StringVar(&tlsCA, "tls-ca", "", "CA bundle used to verify peer certificates")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChildMode(factoryName string) error {
	newMod, ok := module.DefaultRegistry.Lookup(factoryName)
	if !ok {
		return fmt.Errorf("moduled: no registered factory %q", factoryName)
	}

	id := module.Identity{
		PeerName:   os.Getenv("SELFNETD_PEER"),
		UserName:   os.Getenv("SELFNETD_USER"),
		ModuleName: os.Getenv("SELFNETD_MODULE"),
	}
	tmpDir := os.Getenv("SELFNETD_TMPDIR")
	if tmpDir == "" {
		tmpDir = filepath.Join(os.TempDir(), "selfnetd-child")
	}

	host.RunChild(id, tmpDir, newMod())
	return nil
}

func runDaemon() error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("moduled: %w", err)
	}
	log.AddLogWriter("stderr", os.Stderr, level, true)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("moduled: loading config: %w", err)
	}

	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("moduled: creating run dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(auditPath), 0700); err != nil {
		return fmt.Errorf("moduled: creating audit dir: %w", err)
	}

	auditLog, err := audit.Open(auditPath, 100, 5*time.Second)
	if err != nil {
		return fmt.Errorf("moduled: opening audit trail: %w", err)
	}
	auditLog.Start()
	defer auditLog.Stop()

	users := userdir.NewPosix()

	childExe, err := host.DefaultChildExe()
	if err != nil {
		return fmt.Errorf("moduled: resolving own executable: %w", err)
	}
	factory := host.NewFactory(module.DefaultRegistry, childExe, childEnv)

	hub := introspect.NewHub()
	go hub.Run()

	var peerTransport module.PeerTransport
	if listenAddr != "" {
		peers := make([]transport.Peer, 0, len(cfg.HostNames()))
		for _, h := range cfg.HostNames() {
			if h == cfg.SelfName() {
				continue
			}
			addr, _ := cfg.HostAddress(h)
			peers = append(peers, transport.Peer{Name: h, Address: addr})
		}

		tlsConfig, err := loadTLSConfig()
		if err != nil {
			return fmt.Errorf("moduled: loading TLS material: %w", err)
		}
		if tlsConfig == nil {
			log.Warn("moduled: --tls-cert/--tls-key/--tls-ca not set, federating over plaintext TCP")
		}

		peerTransport = transport.New(transport.Config{
			SelfName:   cfg.SelfName(),
			ListenAddr: listenAddr,
			Peers:      peers,
			TLSConfig:  tlsConfig,
		})
	}

	workStateObserver := func(ws module.WorkState) {
		hub.Broadcast(introspect.Event{Type: "workstate", Timestamp: time.Now(), Data: ws.String()})
	}
	stateObserver := func(id module.Identity, state module.State, failMessage string) {
		hub.Broadcast(introspect.Event{Type: "state", Timestamp: time.Now(), Data: map[string]string{
			"peer": id.PeerName, "user": id.UserName, "module": id.ModuleName,
			"state": state.String(), "failMessage": failMessage,
		}})
		auditLog.Log(audit.Event{
			Timestamp: time.Now(), PeerName: id.PeerName, UserName: id.UserName, ModuleName: id.ModuleName,
			Action: "state", Detail: state.String() + " " + failMessage,
		})
	}

	mgr := manager.New(cfg, users, factory.Build, runDir, peerTransport, workStateObserver, stateObserver)

	if err := mgr.Init(); err != nil {
		return fmt.Errorf("moduled: init: %w", err)
	}

	introspectSrv := introspect.NewServer(mgr, hub, auditLog)
	go func() {
		log.Info("moduled: introspection surface listening on %s", httpAddr)
		if err := http.ListenAndServe(httpAddr, introspectSrv); err != nil {
			log.Error("moduled: introspection server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("moduled: shutting down")
	return mgr.Dispose()
}

var childEnv = os.Environ()

// loadTLSConfig builds the mutual-TLS config the transport uses for every
// peer connection, dialed or accepted. Returns nil (plaintext TCP) if none
// of --tls-cert/--tls-key/--tls-ca were given; it is an error to give only
// some of them.
func loadTLSConfig() (*tls.Config, error) {
	if tlsCert == "" && tlsKey == "" && tlsCA == "" {
		return nil, nil
	}
	if tlsCert == "" || tlsKey == "" || tlsCA == "" {
		return nil, fmt.Errorf("--tls-cert, --tls-key and --tls-ca must all be set together")
	}

	cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
	if err != nil {
		return nil, fmt.Errorf("loading cert/key pair: %w", err)
	}

	caPEM, err := os.ReadFile(tlsCA)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", tlsCA)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}
