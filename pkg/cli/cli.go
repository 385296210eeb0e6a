package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/psycho-baller/trpc-crdt/pkg/bootstrap"
    "github.com/psycho-baller/trpc-crdt/pkg/router"
    tlsx "github.com/psycho-baller/trpc-crdt/pkg/security/tlsconfig"
    "github.com/psycho-baller/trpc-crdt/pkg/transport"
    mgmtgrpc "github.com/psycho-baller/trpc-crdt/pkg/transport/grpc"
    "github.com/psycho-baller/trpc-crdt/pkg/transport/httpjson"
)

// AddAll attaches replica subcommands (serve/status/call) to the provided
// root command. RouterFn supplies the procedures the replica serves; when
// nil, DefaultRouter is used.
func AddAll(root *cobra.Command, routerFn func() *router.Mux) {
    root.AddCommand(NewServeCmd(routerFn))
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewCallCmd())
}

// NewServeCmd returns the "serve" command used to run a replica.
func NewServeCmd(routerFn func() *router.Mux) *cobra.Command {
    var (
        configPath                                     string
        id, backend, raftBind, dataDir                 string
        hubBind, hubURL                                string
        gossipBind, gossipAdv, joinCSV, discoveryKind  string
        seedsFile, seedsEnv                            string
        mgmtAddr, mgmtProto                            string
        discRefresh                                    time.Duration
        tlsEnable, tlsSkip, traceEnable, doBootstrap   bool
        tlsCA, tlsCert, tlsKey, tlsServerName          string
    )
    cmd := &cobra.Command{
        Use:   "serve",
        Short: "Run a replica serving procedures from the shared queue document",
        RunE: func(cmd *cobra.Command, args []string) error {
            var cfg bootstrap.Config
            if configPath != "" {
                var err error
                if cfg, err = bootstrap.LoadFile(configPath); err != nil {
                    return err
                }
            }
            // Flags override file values when set explicitly.
            if cmd.Flags().Changed("id") || cfg.NodeID == "" {
                cfg.NodeID = id
            }
            if cmd.Flags().Changed("backend") || cfg.Backend == "" {
                cfg.Backend = backend
            }
            if cmd.Flags().Changed("raft-bind") {
                cfg.RaftBind = raftBind
            }
            if cmd.Flags().Changed("data") {
                cfg.DataDir = dataDir
            }
            if cmd.Flags().Changed("bootstrap") {
                cfg.Bootstrap = doBootstrap
            }
            if cmd.Flags().Changed("hub-bind") {
                cfg.HubBind = hubBind
            }
            if cmd.Flags().Changed("hub-url") {
                cfg.HubURL = hubURL
            }
            if cmd.Flags().Changed("gossip-bind") {
                cfg.GossipBind = gossipBind
            }
            if cmd.Flags().Changed("gossip-adv") {
                cfg.GossipAdvertise = gossipAdv
            }
            if cmd.Flags().Changed("join") {
                cfg.SeedsCSV = joinCSV
            }
            if cmd.Flags().Changed("discovery") {
                cfg.DiscoveryKind = discoveryKind
            }
            if cmd.Flags().Changed("seeds-file") {
                cfg.SeedsFile = seedsFile
            }
            if cmd.Flags().Changed("seeds-env") {
                cfg.SeedsEnv = seedsEnv
            }
            if cmd.Flags().Changed("disc-refresh") {
                cfg.DiscRefreshMS = discRefresh.Milliseconds()
            }
            if cmd.Flags().Changed("mgmt-addr") || cfg.MgmtAddr == "" {
                cfg.MgmtAddr = mgmtAddr
            }
            if cmd.Flags().Changed("mgmt-proto") || cfg.MgmtProto == "" {
                cfg.MgmtProto = mgmtProto
            }
            if cmd.Flags().Changed("tls-enable") {
                cfg.TLSEnable = tlsEnable
            }
            if cmd.Flags().Changed("tls-ca") {
                cfg.TLSCA = tlsCA
            }
            if cmd.Flags().Changed("tls-cert") {
                cfg.TLSCert = tlsCert
            }
            if cmd.Flags().Changed("tls-key") {
                cfg.TLSKey = tlsKey
            }
            if cmd.Flags().Changed("tls-server-name") {
                cfg.TLSServerName = tlsServerName
            }
            if cmd.Flags().Changed("tls-skip-verify") {
                cfg.TLSSkipVerify = tlsSkip
            }
            if cmd.Flags().Changed("trace") {
                cfg.Tracing = traceEnable
            }
            if cfg.NodeID == "" {
                return fmt.Errorf("missing --id")
            }
            cfg.Logger = log.Default()
            if routerFn != nil {
                cfg.Router = routerFn()
            } else {
                cfg.Router = DefaultRouter()
            }

            ctx, cancel := signalContext()
            defer cancel()

            node, err := bootstrap.Run(ctx, cfg)
            if err != nil {
                return err
            }
            defer node.Close()

            fmt.Println("replica running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
    cmd.Flags().StringVar(&id, "id", "", "replica id (required unless set in config)")
    cmd.Flags().StringVar(&backend, "backend", "mem", "queue document backend: mem|raft|ws")
    cmd.Flags().StringVar(&raftBind, "raft-bind", ":9520", "raft bind addr (tcp)")
    cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (snapshots+log)")
    cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap single-replica raft (development)")
    cmd.Flags().StringVar(&hubBind, "hub-bind", "", "host a websocket hub on this addr (backend=ws)")
    cmd.Flags().StringVar(&hubURL, "hub-url", "", "attach to a remote hub (ws://host:port) (backend=ws)")
    cmd.Flags().StringVar(&gossipBind, "gossip-bind", "", "presence bind addr (host:port); empty disables presence")
    cmd.Flags().StringVar(&gossipAdv, "gossip-adv", "", "presence advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated seed replicas (host:port) for discovery=static")
    cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "discovery backend: static|file")
    cmd.Flags().StringVar(&seedsFile, "seeds-file", "", "path to a file with seeds (one per line or CSV)")
    cmd.Flags().StringVar(&seedsEnv, "seeds-env", "", "ENV var name containing CSV seeds; overrides file when set")
    cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to replica certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to replica private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr    string
        timeout time.Duration
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch replica status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            client := httpjson.NewClient(timeout)
            data, err := client.GetStatus(ctx, addr)
            if err != nil {
                return fmt.Errorf("status error: %w", err)
            }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' {
                os.Stdout.Write([]byte("\n"))
            }
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management HTTP address of a replica (host:port)")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    return cmd
}

// NewCallCmd returns the "call" command: invoke a procedure through a
// replica's management API and print the settled outcome.
func NewCallCmd() *cobra.Command {
    var (
        addr, mgmtProto, procedure, inputJSON, callID string
        timeout                                       time.Duration
        tlsEnable, tlsSkip                            bool
        tlsCA, tlsCert, tlsKey, tlsServerName         string
    )
    cmd := &cobra.Command{
        Use:   "call",
        Short: "Invoke a procedure on a replica and wait for its result",
        RunE: func(cmd *cobra.Command, args []string) error {
            if procedure == "" {
                return fmt.Errorf("missing required flag: --procedure")
            }
            var input map[string]any
            if inputJSON != "" {
                if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
                    return fmt.Errorf("bad --input JSON: %w", err)
                }
            }
            var client transport.RPCClient
            var cliTLS *tls.Config
            if tlsEnable {
                topts := tlsx.Options{Enable: true, CAFile: tlsCA, CertFile: tlsCert, KeyFile: tlsKey, InsecureSkipVerify: tlsSkip, ServerName: tlsServerName}
                var err error
                cliTLS, err = topts.Client()
                if err != nil {
                    return fmt.Errorf("tls client config: %w", err)
                }
            }
            switch mgmtProto {
            case "grpc":
                cli := mgmtgrpc.NewClient(timeout)
                if cliTLS != nil {
                    cli.UseTLS(cliTLS)
                }
                client = cli
            default:
                cli := httpjson.NewClient(timeout)
                if cliTLS != nil {
                    cli.UseTLS(cliTLS)
                }
                client = cli
            }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            resp, err := client.PostInvoke(ctx, addr, transport.InvokeRequest{Procedure: procedure, Input: input, ID: callID})
            if err != nil {
                return fmt.Errorf("call error: %w", err)
            }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&procedure, "procedure", "", "procedure name, e.g. kv/put (required)")
    cmd.Flags().StringVar(&inputJSON, "input", "", "JSON object with the procedure input")
    cmd.Flags().StringVar(&callID, "call-id", "", "explicit call id (optional)")
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a replica (host:port)")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
