package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/codelaboratoryltd/pppstack/pkg/loop"
	"github.com/codelaboratoryltd/pppstack/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pppd",
	Short: "Point-to-Point Protocol daemon",
	Long: `pppd - PPP over a serial line or TCP stream.

Negotiates LCP and IPCP with the peer and carries IPv4 between
the link and a local TUN device.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up a PPP link",
	RunE:  runPPPD,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pppd version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var (
	configFile  string
	logLevel    string
	metricsAddr string
	bufferLimit int

	// Transport
	device     string
	baud       int
	tcpAddress string
	redial     time.Duration

	// LCP
	mru               int
	magic             uint32
	keepaliveInterval time.Duration
	keepaliveFailures int
	restartTimer      time.Duration
	maxConfigure      int
	maxTerminate      int

	// IPCP
	localIP    string
	peerIP     string
	peerPool   string
	dnsServers string
	requestDNS bool

	// Host interface
	tunName string
	noTUN   bool
	routes  string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/pppd/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address (empty disables)")
	runCmd.Flags().IntVar(&bufferLimit, "buffer-limit", 1<<20,
		"Bytes of frame buffers in use at once (0 for no limit)")

	// Transport flags
	runCmd.Flags().StringVar(&device, "device", "",
		"Serial device (e.g., /dev/ttyUSB0)")
	runCmd.Flags().IntVar(&baud, "baud", 115200,
		"Serial line speed")
	runCmd.Flags().StringVar(&tcpAddress, "tcp", "",
		"Run the link over a TCP stream to host:port instead of a serial device")
	runCmd.Flags().DurationVar(&redial, "redial", 5*time.Second,
		"Delay before redialling a lost transport (0 disables)")

	// LCP flags
	runCmd.Flags().IntVar(&mru, "mru", 1500,
		"Maximum-Receive-Unit to negotiate")
	runCmd.Flags().Uint32Var(&magic, "magic", 0,
		"Magic number (0 picks a random one)")
	runCmd.Flags().DurationVar(&keepaliveInterval, "keepalive-interval", 0,
		"LCP echo interval (0 disables keep-alive)")
	runCmd.Flags().IntVar(&keepaliveFailures, "keepalive-failures", 3,
		"Unanswered echoes before the link is closed")
	runCmd.Flags().DurationVar(&restartTimer, "restart-timer", 3*time.Second,
		"Restart timer period")
	runCmd.Flags().IntVar(&maxConfigure, "max-configure", 10,
		"Configure-Request retransmissions before giving up")
	runCmd.Flags().IntVar(&maxTerminate, "max-terminate", 2,
		"Terminate-Request retransmissions before giving up")

	// IPCP flags
	runCmd.Flags().StringVar(&localIP, "local-ip", "",
		"Local IPv4 address (empty asks the peer to assign one)")
	runCmd.Flags().StringVar(&peerIP, "peer-ip", "",
		"IPv4 address the peer must use")
	runCmd.Flags().StringVar(&peerPool, "peer-pool", "",
		"Pool (CIDR) to assign the peer address from")
	runCmd.Flags().StringVar(&dnsServers, "dns", "",
		"DNS servers offered to the peer (comma-separated, at most 2)")
	runCmd.Flags().BoolVar(&requestDNS, "request-dns", false,
		"Ask the peer for DNS servers")

	// Host interface flags
	runCmd.Flags().StringVar(&tunName, "tun-name", "ppp0",
		"TUN device carrying IPv4 traffic")
	runCmd.Flags().BoolVar(&noTUN, "no-tun", false,
		"Negotiate only, without a TUN device")
	runCmd.Flags().StringVar(&routes, "routes", "",
		"Routes installed through the link while it is up (comma-separated CIDRs)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func runPPPD(cmd *cobra.Command, args []string) error {
	// Initialize logger
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts, err := optionsFromFlags()
	if err != nil {
		return err
	}

	logger.Info("Starting pppd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("transport", opts.Dialer.String()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// The loop outlives ctx so that termination can still be negotiated.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	lp := loop.New(logger)
	go lp.Run(loopCtx)

	alloc := layer.NewPoolAllocator(bufferLimit)
	metricsCollector := metrics.New(alloc, logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsCollector.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})

			logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
			server := &http.Server{
				Addr:              metricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			if err := server.ListenAndServe(); err != nil {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	stopMetrics := make(chan struct{})
	go metricsCollector.StartCollector(5*time.Second, stopMetrics)
	defer close(stopMetrics)

	sess, err := newSession(opts, lp, alloc, metricsCollector, logger)
	if err != nil {
		return fmt.Errorf("failed to set up link: %w", err)
	}

	if err := sess.start(ctx); err != nil {
		sess.close()
		return fmt.Errorf("failed to start link: %w", err)
	}

	logger.Info("pppd started", zap.String("link", sess.stack.ID()))
	logger.Info("Press Ctrl+C to stop")

	<-ctx.Done()

	sess.shutdown(opts.shutdownTimeout())
	return nil
}

// initLogger builds the JSON production logger. Sampling is off so that
// every automaton transition of a negotiation burst is kept.
func initLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if lvl > zapcore.ErrorLevel {
		return nil, fmt.Errorf("log level %q would drop link errors", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	return cfg.Build()
}

// loadConfigFile fills flags the command line left unset from the
// --config file. A missing file is not an error.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	values, err := readFlagFile(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	applied := applyFlagValues(cmd.Flags(), values, logger)
	logger.Info("Loaded config file",
		zap.String("path", configFile),
		zap.Int("keys", len(values)),
		zap.Int("applied", applied),
	)
	return nil
}
