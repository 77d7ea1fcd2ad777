package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/buildtall-systems/chainpos/internal/api"
	"github.com/buildtall-systems/chainpos/internal/chain"
	"github.com/buildtall-systems/chainpos/internal/config"
	"github.com/buildtall-systems/chainpos/internal/db"
	"github.com/buildtall-systems/chainpos/internal/nostr"
	"github.com/buildtall-systems/chainpos/internal/notify"
	"github.com/buildtall-systems/chainpos/internal/payment"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the chainpos service",
	Long:  `Start the order API and the payment confirmation core. Connects to the chain RPC endpoint and, when enabled, to Nostr relays for merchant notifications.`,
	RunE:  runServer,
}

func init() {
	runCmd.Flags().String("addr", "", "HTTP listen address (default :3000)")
	_ = viper.BindPFlag("http.addr", runCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(runCmd)
}

func runServer(cmd *cobra.Command, _ []string) error {
	// Load config with secrets
	cfg, err := config.LoadWithSecrets()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(os.Stderr, cfg.Log, cfg.Verbose)

	logger.Info().
		Str("database", cfg.Database.Path).
		Str("rpc_url", cfg.Chain.RPCURL).
		Str("contract", cfg.Chain.ContractAddress).
		Str("addr", cfg.HTTP.Addr).
		Msg("chainpos starting")

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := database.MigrateContext(cmd.Context()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info().Msg("database ready")

	// Create context that cancels on shutdown signals
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	chainClient, closeChain := dialChain(ctx, cfg.Chain, logger)
	defer closeChain()

	notifier, relays, err := buildNotifier(ctx, cfg.Nostr, logger)
	if err != nil {
		return err
	}
	if relays != nil {
		defer relays.Close()
	}

	core := payment.NewService(database, chainClient, notifier, coreConfig(cfg), logger)
	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("starting payment core: %w", err)
	}
	defer core.Stop()

	server := api.NewServer(database, core, logger)
	if relays != nil {
		server.WithRelays(relays)
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("channel", core.Mode()).Msg("chainpos running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// coreConfig maps application config onto the payment core's settings.
func coreConfig(cfg *config.Config) payment.Config {
	return payment.Config{
		Polling: payment.SupervisorConfig{
			Interval:    cfg.Polling.Interval,
			MaxDuration: cfg.Polling.MaxDuration,
			MaxRPS:      cfg.Polling.MaxRPS,
		},
		PaymentURL:        cfg.HTTP.PaymentURL,
		AutoCompleteAfter: cfg.Demo.AutoCompleteAfter,
	}
}

// dialChain connects to the payment contract. Failure is logged once and
// yields a nil client so the core starts disabled rather than aborting.
func dialChain(ctx context.Context, cfg config.ChainConfig, logger zerolog.Logger) (payment.ChainClient, func()) {
	if cfg.RPCURL == "" {
		logger.Warn().Msg("chain.rpc_url not set, payment detection disabled")
		return nil, func() {}
	}

	client, err := chain.Dial(ctx, cfg.RPCURL, cfg.ContractAddress, cfg.RPCTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("chain client unavailable, payment detection disabled")
		return nil, func() {}
	}

	logger.Info().Str("chain_id", client.ChainID().String()).Str("contract", client.Contract().Hex()).Msg("chain client ready")
	return client, client.Close
}

// buildNotifier always logs notifications and additionally sends them as
// Nostr DMs when enabled. The relay manager is nil when Nostr is disabled.
func buildNotifier(ctx context.Context, cfg config.NostrConfig, logger zerolog.Logger) (notify.Notifier, *nostr.RelayManager, error) {
	logNotifier := notify.NewLogNotifier(logger)
	if !cfg.Enabled {
		return logNotifier, nil, nil
	}

	secret, err := signingKeyHex(cfg.SecretKey)
	if err != nil {
		return nil, nil, err
	}
	kr, err := keyer.NewPlainKeySigner(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("creating keyer: %w", err)
	}
	pubkey, err := gonostr.GetPublicKey(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving public key: %w", err)
	}
	npub, _ := nip19.EncodePublicKey(pubkey)

	relays := nostr.NewRelayManager(cfg.Relays, logger)
	if err := relays.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("no relays connected yet, retrying in background")
	}
	logger.Info().Str("npub", npub).Strs("relays", cfg.Relays).Msg("nostr notifications enabled")

	return notify.Multi{logNotifier, notify.NewNostrNotifier(kr, pubkey, relays)}, relays, nil
}

// signingKeyHex accepts a hex secret key or an nsec.
func signingKeyHex(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if !strings.HasPrefix(secret, "nsec1") {
		return secret, nil
	}

	prefix, value, err := nip19.Decode(secret)
	if err != nil {
		return "", fmt.Errorf("decoding nsec: %w", err)
	}
	hex, ok := value.(string)
	if prefix != "nsec" || !ok {
		return "", fmt.Errorf("decoding nsec: unexpected %s payload", prefix)
	}
	return hex, nil
}
