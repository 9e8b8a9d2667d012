package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joeycumines/quarantine-proxy/internal/config"
	"github.com/joeycumines/quarantine-proxy/internal/dataplane"
	"github.com/joeycumines/quarantine-proxy/internal/obslog"
)

// requestIDHeader is the header inspected/set by withRequestID, so a caller
// fronting the admin surface with its own edge proxy can supply a
// correlation id instead of getting a freshly minted one.
const requestIDHeader = "X-Request-Id"

// runIDHeader surfaces the process's RunID (minted once in runServe, attached
// to every structured log line via obslog.Options.RunID) on every admin
// response, so a line in the logs can be correlated back to the process that
// served a given admin request.
const runIDHeader = "X-Quarantine-Run"

// withRequestID stamps every admin request with a request id (reusing one
// supplied by the caller when present), following the same header-or-mint
// convention as caddy's requestid middleware, and tags the response with the
// process-lifetime RunID.
func withRequestID(logger *obslog.Logger, runID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		w.Header().Set(runIDHeader, runID)
		logger.Debug().Str("request_id", id).Str("path", r.URL.Path).Log("admin request")
		next.ServeHTTP(w, r)
	})
}

// splitHostPort parses a "host:port" flag value into its parts.
func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy's event loop and admin HTTP surface",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.Int("frontend-port", 0, "client-facing listen port (default from config)")
	flags.Int("verdict-port", 0, "verdict channel listen port (default from config)")
	flags.IntSlice("replica-ports", nil, "trusted replica loopback ports (default from config)")
	flags.String("sandbox", "", "sandbox upstream host:port (default from config)")
	flags.String("collector", "", "UDP tuple collector host:port (default from config)")
	flags.Int("max-msg", 0, "maximum buffered request size in bytes (default from config)")
	flags.Int("report-quota", 0, "unconditional collector emission count before anomaly-only admission (default from config)")
	flags.String("log-level", "", "error|warning|info|debug|trace (default from config)")
	flags.String("admin-addr", "", "admin HTTP listen address for /metrics and /healthz (default from config)")
	flags.String("replica-exec", "", "executable launched for each trusted replica (default from config)")
	flags.StringSlice("replica-args", nil, "arguments passed to each trusted replica (default from config)")

	for _, f := range []string{"frontend-port", "verdict-port", "replica-ports", "max-msg", "report-quota", "log-level", "admin-addr", "replica-exec", "replica-args"} {
		_ = viper.BindPFlag(flagToKey(f), flags.Lookup(f))
	}
	// --sandbox/--collector take a combined host:port string, so they're
	// applied directly in runServe rather than bound to a single Viper key.

	rootCmd.AddCommand(serveCmd)
}

// flagToKey maps a serve flag's dashed name to the matching Viper config
// key for the handful of flags that aren't host:port pairs (those need
// their own parsing, handled directly in runServe instead).
func flagToKey(flag string) string {
	switch flag {
	case "frontend-port":
		return "frontend.port"
	case "verdict-port":
		return "verdict.port"
	case "replica-ports":
		return "replica_ports"
	case "max-msg":
		return "max_message"
	case "report-quota":
		return "report_quota"
	case "log-level":
		return "log_level"
	case "admin-addr":
		return "admin_addr"
	case "replica-exec":
		return "replica_exec"
	case "replica-args":
		return "replica_args"
	default:
		return flag
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if s, _ := cmd.Flags().GetString("sandbox"); s != "" {
		if cfg.Sandbox.Host, cfg.Sandbox.Port, err = splitHostPort(s); err != nil {
			return fmt.Errorf("serve: --sandbox: %w", err)
		}
	}
	if s, _ := cmd.Flags().GetString("collector"); s != "" {
		if cfg.Collector.Host, cfg.Collector.Port, err = splitHostPort(s); err != nil {
			return fmt.Errorf("serve: --collector: %w", err)
		}
	}

	runID := uuid.New().String()
	logger := obslog.New(obslog.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, RunID: runID})

	if path := config.ConfigFileUsed(); path != "" {
		logger.Info().Str("path", path).Log("loaded config file")
	}

	registry := prometheus.NewRegistry()
	metrics := dataplane.NewMetrics(registry)

	opts, err := cfg.EngineOptions()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	opts = append(opts, dataplane.WithLogger(logger), dataplane.WithMetrics(metrics))

	engine, err := dataplane.NewEngine(opts...)
	if err != nil {
		return fmt.Errorf("serve: build engine: %w", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	admin := newAdminServer(cfg.AdminAddr, engine, registry, logger, runID)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warning().Err(err).Log("admin server stopped unexpectedly")
		}
	}()

	logger.Info().
		Str("frontend", fmt.Sprintf("%s:%d", cfg.Frontend.Host, cfg.Frontend.Port)).
		Str("admin", cfg.AdminAddr).
		Log("starting proxy")

	runErr := engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)

	if runErr != nil && runErr != context.Canceled {
		return fmt.Errorf("serve: %w", runErr)
	}
	logger.Info().Log("proxy stopped")
	return nil
}

// newAdminServer builds the admin HTTP mux: Prometheus metrics plus a
// liveness probe reporting the engine's lifecycle state, following the
// same separate-admin-listener convention as Sentinel Gate's admin adapter
// (internal/adapter/inbound/admin).
func newAdminServer(addr string, engine *dataplane.Engine, registry *prometheus.Registry, logger *obslog.Logger, runID string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if engine.State() == dataplane.StateTerminated {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, engine.State().String())
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, engine.State().String())
	})
	return &http.Server{Addr: addr, Handler: withRequestID(logger, runID, mux)}
}
