package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/audit"
	"github.com/smarthealth/auditchain/internal/auth"
	"github.com/smarthealth/auditchain/internal/config"
	"github.com/smarthealth/auditchain/internal/ledger"
	"github.com/smarthealth/auditchain/internal/storage"
	"github.com/spf13/cobra"
)

var version = "v0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "auditchain",
	Short:        "Auditchain - tamper-evident audit ledger for patient data",
	Long:         `An append-only, hash-chained audit ledger for healthcare data access events`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "auditchain.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(trailCmd)
	rootCmd.AddCommand(consentLogCmd)
	rootCmd.AddCommand(tokenCmd)

	trailCmd.Flags().Int("skip", 0, "number of blocks to skip")
	trailCmd.Flags().Int("limit", 100, "maximum number of blocks to return")

	tokenCmd.Flags().String("subject", "", "user id placed in the sub claim")
	tokenCmd.Flags().StringSlice("roles", []string{auth.RoleDoctor}, "roles granted to the token")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(level).With().Timestamp().Str("service", "auditchain").Logger()
}

// app bundles the pieces every ledger command needs.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   storage.Backend
	ledger  *ledger.Ledger
	auditor *audit.Auditor
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Log)

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}

	l := ledger.New(store, ledger.Config{
		Difficulty:    cfg.Ledger.Difficulty,
		MiningTimeout: cfg.Ledger.MiningTimeout,
		AppendRetries: cfg.Ledger.AppendRetries,
	}, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		ledger:  l,
		auditor: audit.New(l),
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close storage")
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditchain %s\n", version)
		fmt.Println("Tamper-evident audit ledger")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the genesis block if the chain is empty",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ledger.Initialize(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialize ledger: %w", err)
		}

		genesis, err := a.ledger.LatestBlock(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Storage driver: %s\n", a.cfg.Storage.Driver)
		fmt.Printf("Chain head: index=%d hash=%s\n", genesis.Index, genesis.Hash)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.ledger.Verify(cmd.Context())
		if err != nil {
			return err
		}

		if !result.Valid {
			fmt.Printf("❌ Chain integrity compromised at block %d: %s\n", result.FailedIndex, result.Reason)
			fmt.Printf("   Blocks verified before failure: %d\n", result.BlocksChecked)
			return ledger.NewIntegrityError(result.FailedIndex, result.Reason)
		}

		fmt.Printf("✅ Chain verified: %d blocks\n", result.BlocksChecked)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print ledger statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.ledger.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var trailCmd = &cobra.Command{
	Use:   "trail <patient-id>",
	Short: "Print the audit trail of a patient, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetInt("skip")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		page, err := a.ledger.PatientAuditTrailPage(cmd.Context(), args[0], skip, limit)
		if err != nil {
			return err
		}
		return printJSON(page)
	},
}

var consentLogCmd = &cobra.Command{
	Use:   "consent-log <patient-id>",
	Short: "Print the consent log of a patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.auditor.PatientConsentLog(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"patient_id":     args[0],
			"consent_events": events,
			"total_events":   len(events),
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed API token for testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		roles, _ := cmd.Flags().GetStringSlice("roles")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if subject == "" {
			return fmt.Errorf("--subject is required")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.SigningKey == "" {
			return fmt.Errorf("auth.signing_key is not configured")
		}

		token, err := auth.IssueToken(jwtConfig(cfg.Auth), subject, roles, ttl)
		if err != nil {
			return err
		}

		fmt.Println(token)
		return nil
	},
}

func jwtConfig(cfg config.AuthConfig) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		SigningKey: []byte(cfg.SigningKey),
	}
}
