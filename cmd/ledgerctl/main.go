package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/identity"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/outbox"
	"github.com/jmerrifield20/eventledger/internal/ledger/service"
	"github.com/jmerrifield20/eventledger/internal/ledger/signer"
	"github.com/jmerrifield20/eventledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Device-side client for the event ledger",
	Long: `ledgerctl records ledger events from a device, keeps an offline outbox,
and reads back signed receipts.

Writes go through the signing RPC first, then a plain insert, and are queued
in the local outbox when the backend cannot be reached. Queued writes are
sent by "ledgerctl flush" or automatically by "ledgerctl watch".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		home, _ := os.UserHomeDir()
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(filepath.Join(home, ".ledger"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("ledger")
		viper.AutomaticEnv()

		viper.SetDefault("backend_url", "http://localhost:8080")
		viper.SetDefault("outbox_path", filepath.Join(home, ".ledger", "outbox.db"))
		viper.SetDefault("alias_secret", "")
		viper.SetDefault("nats_url", "")
		viper.SetDefault("nats_subject_prefix", "ledger.appended")
		viper.SetDefault("key_cache_ttl", "10m")

		if err := viper.ReadInConfig(); err != nil {
			var cfgNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &cfgNotFound) && cfgFile != "" {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledger/config.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().String("token", "", "session token (default: token from config or LEDGER_TOKEN)")
	rootCmd.PersistentFlags().String("outbox", "", "outbox database path (default ~/.ledger/outbox.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	_ = viper.BindPFlag("backend_url", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("outbox_path", rootCmd.PersistentFlags().Lookup("outbox"))

	rootCmd.AddCommand(appendCmd, reviseCmd, flushCmd, outboxCmd)
	rootCmd.AddCommand(receiptsCmd, watchCmd, tailCmd)
	rootCmd.AddCommand(keygenCmd, tokenCmd, versionCmd)
}

// ── Wiring ───────────────────────────────────────────────────────────────────

// device bundles everything a recording command needs.
type device struct {
	owner    model.Owner
	client   *client.Client
	signer   *signer.Client
	queue    *outbox.SQLiteQueue
	recorder *service.Recorder
	logger   *zap.Logger
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newClient() (*client.Client, string, error) {
	token := viper.GetString("token")
	opts := []client.Option{client.WithKeyCacheTTL(viper.GetDuration("key_cache_ttl"))}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	c, err := client.New(viper.GetString("backend_url"), opts...)
	return c, token, err
}

func openDevice(ctx context.Context) (*device, error) {
	logger := newLogger()
	c, token, err := newClient()
	if err != nil {
		return nil, err
	}

	path := viper.GetString("outbox_path")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	queue, err := outbox.OpenSQLiteQueue(ctx, path)
	if err != nil {
		return nil, err
	}

	d := &device{client: c, queue: queue, logger: logger}
	d.recorder = service.NewRecorder(c, queue, clockwork.NewRealClock(), logger)
	if token != "" {
		d.owner, err = identity.ParseUnverified(token, []byte(viper.GetString("alias_secret")))
		if err != nil {
			queue.Close() //nolint:errcheck
			return nil, err
		}
		d.signer = signer.New(c.SignerURL(), logger, signer.WithBearerToken(token))
		d.recorder.SetSigner(d.signer)
	}
	return d, nil
}

// ctx attaches the device owner, when there is one.
func (d *device) ctx(parent context.Context) context.Context {
	if !d.owner.Valid() {
		return parent
	}
	return identity.WithOwner(parent, d.owner)
}

func (d *device) Close() {
	d.queue.Close() //nolint:errcheck
	d.logger.Sync() //nolint:errcheck
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
