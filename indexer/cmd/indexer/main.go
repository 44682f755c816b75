package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/doomscroll/backend/api/config"
	"github.com/doomscroll/backend/indexer/pkg/analytics"
	"github.com/doomscroll/backend/indexer/pkg/archive"
	"github.com/doomscroll/backend/indexer/pkg/clickhouse"
	"github.com/doomscroll/backend/indexer/pkg/distributor"
	"github.com/doomscroll/backend/indexer/pkg/indexer"
	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/metrics"
	"github.com/doomscroll/backend/indexer/pkg/notify"
	"github.com/doomscroll/backend/indexer/pkg/server"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/indexer/pkg/usage"
	"github.com/doomscroll/backend/utils/pkg/errtrack"
	"github.com/doomscroll/backend/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:3001"
	defaultRPCURL     = "https://api.devnet.solana.com"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "log format: text or json (or set LOG_FORMAT env var)")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server on localhost:6060")
	envFileFlag := flag.String("env-file", ".env", "dotenv file to load if present")

	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	adminKeyFlag := flag.String("admin-key", "", "admin API key; empty disables /api/admin (or set ADMIN_KEY env var)")
	corsOriginsFlag := flag.StringSlice("cors-origins", nil, "allowed browser origins, comma separated (or set CORS_ORIGINS env var)")
	migrateFlag := flag.Bool("migrate", true, "apply Postgres migrations on startup")

	// Ledger
	rpcURLFlag := flag.String("solana-rpc-url", defaultRPCURL, "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	programIDFlag := flag.String("program-id", "", "challenge program id (or set PROGRAM_ID env var)")
	verifierKeypairFlag := flag.String("verifier-keypair", "", "path to the verifier keypair JSON file (or set VERIFIER_KEYPAIR env var)")
	rpcRPSFlag := flag.Float64("rpc-rps", 10, "maximum ledger RPC requests per second (0 = unlimited)")
	explorerURLFlag := flag.String("explorer-url", "https://explorer.solana.com", "explorer base URL for notification links")

	// Jobs
	mirrorIntervalFlag := flag.Duration("mirror-interval", 30*time.Second, "state mirror refresh interval")
	distributorIntervalFlag := flag.Duration("distributor-interval", time.Minute, "distribution coordinator interval")
	maxConcurrencyFlag := flag.Int("max-concurrency", 4, "maximum challenges processed concurrently (capped by the postgres pool size)")
	disableDistributionFlag := flag.Bool("disable-distribution", false, "run the mirror and usage ledger only")
	disableEndFlag := flag.Bool("disable-end", false, "do not submit end_challenge for expired challenges")

	// Optional sinks
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); empty disables analytics (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "enable TLS for ClickHouse (or set CLICKHOUSE_SECURE=true env var)")
	archiveBucketFlag := flag.String("archive-bucket", "", "S3 bucket for distribution receipts; empty disables (or set ARCHIVE_BUCKET env var)")
	archivePrefixFlag := flag.String("archive-prefix", "receipts", "S3 key prefix for distribution receipts")
	archiveRegionFlag := flag.String("archive-region", "", "S3 region (or set AWS_REGION env var)")
	archiveEndpointFlag := flag.String("archive-endpoint", "", "S3-compatible endpoint URL (or set ARCHIVE_ENDPOINT env var)")
	slackWebhookFlag := flag.String("slack-webhook-url", "", "Slack incoming webhook for distribution notices (or set SLACK_WEBHOOK_URL env var)")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		*logFormatFlag = v
	}
	format, err := logger.ParseFormat(*logFormatFlag)
	if err != nil {
		return err
	}
	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, Format: format})

	// Override flags with environment variables if set
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		*adminKeyFlag = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		*corsOriginsFlag = strings.Split(v, ",")
	}
	if v := os.Getenv("SOLANA_RPC_URL"); v != "" {
		*rpcURLFlag = v
	}
	if v := os.Getenv("PROGRAM_ID"); v != "" {
		*programIDFlag = v
	}
	if v := os.Getenv("VERIFIER_KEYPAIR"); v != "" {
		*verifierKeypairFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if v := os.Getenv("ARCHIVE_BUCKET"); v != "" {
		*archiveBucketFlag = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && *archiveRegionFlag == "" {
		*archiveRegionFlag = v
	}
	if v := os.Getenv("ARCHIVE_ENDPOINT"); v != "" {
		*archiveEndpointFlag = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		*slackWebhookFlag = v
	}
	if v := os.Getenv("DISABLE_DISTRIBUTION"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DISABLE_DISTRIBUTION: %w", err)
		}
		*disableDistributionFlag = disabled
	}

	flush, err := errtrack.Init(errtrack.Config{
		DSN:         os.Getenv("SENTRY_DSN"),
		Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		Release:     version,
	})
	if err != nil {
		return err
	}
	defer flush()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Postgres
	pgCfg, err := config.PostgresFromEnv()
	if err != nil {
		return err
	}
	if *migrateFlag {
		if err := store.Migrate(ctx, log, pgCfg.ConnString()); err != nil {
			return err
		}
	}
	pool, err := config.NewPool(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	// Ledger
	if *programIDFlag == "" {
		return fmt.Errorf("--program-id is required")
	}
	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}
	var verifier solana.PrivateKey
	if *verifierKeypairFlag != "" {
		verifier, err = solana.PrivateKeyFromSolanaKeygenFile(*verifierKeypairFlag)
		if err != nil {
			return fmt.Errorf("failed to load verifier keypair: %w", err)
		}
		log.Info("verifier keypair loaded", "pubkey", verifier.PublicKey().String())
	} else if !*disableDistributionFlag {
		return fmt.Errorf("--verifier-keypair is required unless --disable-distribution is set")
	}

	gw, err := gateway.New(gateway.Config{
		Logger:            log,
		RPC:               rpc.New(*rpcURLFlag),
		ProgramID:         programID,
		Verifier:          verifier,
		RequestsPerSecond: *rpcRPSFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger gateway: %w", err)
	}
	log.Info("ledger gateway initialized", "rpc_url", *rpcURLFlag, "program_id", programID.String())

	// Sinks
	var (
		usageSink usage.Sink
		sinks     []distributor.Sink
	)
	if *clickhouseAddrFlag != "" {
		chCfg := clickhouse.Config{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}
		if err := clickhouse.Up(ctx, log, chCfg); err != nil {
			return err
		}
		conn, err := clickhouse.NewConn(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		sink, err := analytics.New(analytics.Config{Logger: log, Conn: conn})
		if err != nil {
			return fmt.Errorf("failed to create analytics sink: %w", err)
		}
		usageSink = sink
		sinks = append(sinks, sink)
	}
	if *archiveBucketFlag != "" {
		client, err := archive.NewS3Client(ctx, *archiveRegionFlag, *archiveEndpointFlag)
		if err != nil {
			return err
		}
		a, err := archive.New(archive.Config{Logger: log, Client: client, Bucket: *archiveBucketFlag, Prefix: *archivePrefixFlag})
		if err != nil {
			return fmt.Errorf("failed to create receipt archive: %w", err)
		}
		sinks = append(sinks, a)
	}
	if *slackWebhookFlag != "" {
		n, err := notify.New(notify.Config{Logger: log, WebhookURL: *slackWebhookFlag, ExplorerURL: *explorerURLFlag})
		if err != nil {
			return fmt.Errorf("failed to create slack notifier: %w", err)
		}
		sinks = append(sinks, n)
	}
	logSinks(log, usageSink, sinks)

	srv, err := server.New(ctx, server.Config{
		ListenAddr:  *listenAddrFlag,
		AdminKey:    *adminKeyFlag,
		CORSOrigins: *corsOriginsFlag,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
		IndexerConfig: indexer.Config{
			Logger:              log,
			Store:               st,
			Ledger:              gw,
			MirrorInterval:      *mirrorIntervalFlag,
			DistributorInterval: *distributorIntervalFlag,
			MaxConcurrency:      *maxConcurrencyFlag,
			DisableDistribution: *disableDistributionFlag,
			DisableEnd:          *disableEndFlag,
			UsageSink:           usageSink,
			DistributorSinks:    sinks,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if _, port, err := net.SplitHostPort(*listenAddrFlag); err == nil {
		log.Info("starting doomscroll indexer", "version", version, "commit", commit, "port", port)
	}
	return srv.Run(ctx)
}

func logSinks(log *slog.Logger, usageSink usage.Sink, sinks []distributor.Sink) {
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		if n, ok := s.(interface{ Name() string }); ok {
			names = append(names, n.Name())
		}
	}
	log.Info("sinks configured", "usage", usageSink != nil, "distribution", strings.Join(names, ","))
}
