package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/doomscroll/backend/admin/internal/admin"
	"github.com/doomscroll/backend/api/config"
	"github.com/doomscroll/backend/indexer/pkg/clickhouse"
	"github.com/doomscroll/backend/indexer/pkg/indexer"
	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "dotenv file to load if present")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Ledger configuration
	rpcURLFlag := flag.String("solana-rpc-url", "https://api.devnet.solana.com", "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	programIDFlag := flag.String("program-id", "", "challenge program id (or set PROGRAM_ID env var)")
	verifierKeypairFlag := flag.String("verifier-keypair", "", "verifier keypair JSON file, required for --distribute (or set VERIFIER_KEYPAIR env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations (up)")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last PostgreSQL migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse analytics migrations using goose")
	clickhouseMigrateDownFlag := flag.Bool("clickhouse-migrate-down", false, "Roll back the last ClickHouse analytics migration")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse analytics migration status")
	resetAnalyticsFlag := flag.Bool("reset-analytics", false, "Drop the ClickHouse analytics tables (fact_*)")
	listFlag := flag.Bool("list", false, "List mirrored challenges")
	syncFlag := flag.Bool("sync", false, "Sync a challenge from the ledger (--challenge-id, -1 = full refresh)")
	distributeFlag := flag.Bool("distribute", false, "Distribute a challenge (--challenge-id, -1 = full pass)")

	// Command options
	challengeIDFlag := flag.Int64("challenge-id", -1, "challenge id for --sync and --distribute")
	creatorFlag := flag.String("creator", "", "challenge creator, needed by --sync for challenges not yet mirrored")
	statusFlag := flag.String("status", "", "status filter for --list (active, ended, distributed)")
	limitFlag := flag.Int("limit", 50, "row limit for --list")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(*envFileFlag); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	// Override ClickHouse flags with environment variables if set
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	// Override ledger flags with environment variables if set
	if envRPCURL := os.Getenv("SOLANA_RPC_URL"); envRPCURL != "" {
		*rpcURLFlag = envRPCURL
	}
	if envProgramID := os.Getenv("PROGRAM_ID"); envProgramID != "" {
		*programIDFlag = envProgramID
	}
	if envVerifier := os.Getenv("VERIFIER_KEYPAIR"); envVerifier != "" {
		*verifierKeypairFlag = envVerifier
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chCfg := clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	// Execute commands
	switch {
	case *pgMigrateFlag, *pgMigrateDownFlag, *pgMigrateStatusFlag:
		pgCfg, err := config.PostgresFromEnv()
		if err != nil {
			return err
		}
		switch {
		case *pgMigrateFlag:
			return admin.PgMigrateUp(ctx, log, pgCfg)
		case *pgMigrateDownFlag:
			return admin.PgMigrateDown(ctx, log, pgCfg)
		default:
			return admin.PgMigrateStatus(ctx, pgCfg, os.Stdout)
		}

	case *clickhouseMigrateFlag:
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.Up(ctx, log, chCfg)

	case *clickhouseMigrateDownFlag:
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-down")
		}
		return clickhouse.Down(ctx, log, chCfg)

	case *clickhouseMigrateStatusFlag:
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.Status(ctx, log, chCfg)

	case *resetAnalyticsFlag:
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-analytics")
		}
		return admin.ResetAnalytics(ctx, log, chCfg, admin.ResetOptions{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})

	case *listFlag, *syncFlag, *distributeFlag:
		pgCfg, err := config.PostgresFromEnv()
		if err != nil {
			return err
		}
		pool, err := config.NewPool(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, err := store.New(store.Config{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		if *listFlag {
			return admin.ListChallenges(ctx, st, *statusFlag, *limitFlag, os.Stdout)
		}

		if *programIDFlag == "" {
			return fmt.Errorf("--program-id is required for --sync and --distribute")
		}
		programID, err := solana.PublicKeyFromBase58(*programIDFlag)
		if err != nil {
			return fmt.Errorf("invalid program id: %w", err)
		}
		var verifier solana.PrivateKey
		if *distributeFlag {
			if *verifierKeypairFlag == "" {
				return fmt.Errorf("--verifier-keypair is required for --distribute")
			}
			verifier, err = solana.PrivateKeyFromSolanaKeygenFile(*verifierKeypairFlag)
			if err != nil {
				return fmt.Errorf("failed to load verifier keypair: %w", err)
			}
		}
		gw, err := gateway.New(gateway.Config{
			Logger:    log,
			RPC:       rpc.New(*rpcURLFlag),
			ProgramID: programID,
			Verifier:  verifier,
		})
		if err != nil {
			return err
		}

		// The components are built but never started; each command drives
		// exactly one pass.
		idx, err := indexer.New(indexer.Config{
			Logger:              log,
			Store:               st,
			Ledger:              gw,
			MirrorInterval:      time.Minute,
			DistributorInterval: time.Minute,
			DisableDistribution: !*distributeFlag,
		})
		if err != nil {
			return err
		}
		if *syncFlag {
			return admin.SyncChallenge(ctx, log, idx.Mirror(), *challengeIDFlag, *creatorFlag, os.Stdout)
		}
		return admin.DistributeOnce(ctx, log, idx.Distributor(), *challengeIDFlag, os.Stdout)
	}

	flag.Usage()
	return nil
}
