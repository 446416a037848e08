package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantrun/rotor/internal/application"
	"github.com/quantrun/rotor/internal/data"
	"github.com/quantrun/rotor/internal/data/cache"
	httpiface "github.com/quantrun/rotor/internal/interfaces/http"
	"github.com/quantrun/rotor/internal/notify"
	"github.com/quantrun/rotor/internal/store"
	"github.com/quantrun/rotor/internal/store/postgres"
)

var version = "dev"

var (
	configPath  string
	dryRun      bool
	monitorAddr string
	scheduleAt  string
)

func main() {
	setupLogging()

	// Local development convenience; a missing .env file is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:     "rotor",
		Short:   "Momentum rotation engine",
		Long:    "Daily momentum rotation engine: scores a configured universe, applies the exit cascade and swap rule, and pushes the resulting orders as a report.",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/rotor.yaml", "Path to configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one decision run",
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute and report the plan without mutating state")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Rank today's candidates without touching the portfolio",
		RunE:  runScan,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve health and metrics endpoints",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().StringVar(&monitorAddr, "addr", ":8090", "Listen address")

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run once per day at a fixed UTC time",
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().StringVar(&scheduleAt, "at", "21:30", "Daily run time (UTC, HH:MM)")
	scheduleCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute and report plans without mutating state")

	root.AddCommand(runCmd, scanCmd, monitorCmd, scheduleCmd)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			zerolog.SetGlobalLevel(parsed)
		}
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// buildRunner assembles the pipeline shared by run, scan and schedule.
func buildRunner(metrics *httpiface.MetricsRegistry) (*application.Runner, *postgres.Ledger, error) {
	cfg, err := application.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	provider := data.NewClient(cfg.Data.ClientConfig(), cache.New(cfg.Data.Redis.Addr, cfg.Data.Redis.DB), metrics)
	st := store.NewFileStore(cfg.Store.Path, cfg.Store.Aliases)

	var ledger *postgres.Ledger
	if cfg.Store.LedgerDSNEnv != "" {
		if dsn := os.Getenv(cfg.Store.LedgerDSNEnv); dsn != "" {
			ledger, err = postgres.Open(dsn, 10*time.Second)
			if err != nil {
				log.Warn().Err(err).Msg("ledger unavailable, continuing without audit trail")
				ledger = nil
			}
		}
	}

	notifier := buildNotifier(cfg)

	return application.NewRunner(cfg, provider, st, ledger, notifier, metrics), ledger, nil
}

func buildNotifier(cfg *application.Config) *notify.Notifier {
	var senders []notify.Sender
	if ch := cfg.Notify.Line; ch.Enabled {
		token := os.Getenv(ch.TokenEnv)
		user := os.Getenv(ch.RecipientEnv)
		if token != "" && user != "" {
			senders = append(senders, notify.NewLineSender(token, user))
		} else {
			log.Warn().Msg("line channel enabled but credentials missing")
		}
	}
	if ch := cfg.Notify.Telegram; ch.Enabled {
		token := os.Getenv(ch.TokenEnv)
		chat := os.Getenv(ch.RecipientEnv)
		if token != "" && chat != "" {
			senders = append(senders, notify.NewTelegramSender(token, chat))
		} else {
			log.Warn().Msg("telegram channel enabled but credentials missing")
		}
	}
	if len(senders) == 0 {
		return nil
	}
	return notify.NewNotifier(senders...)
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	runner, ledger, err := buildRunner(httpiface.NewMetricsRegistry())
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
	}

	plan, err := runner.Run(ctx, dryRun)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d decisions, equity %.2f\n",
		plan.RunID, len(plan.Decisions), plan.Equity)
	return nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	runner, ledger, err := buildRunner(httpiface.NewMetricsRegistry())
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
	}

	candidates, statuses, err := runner.Scan(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for bucket, st := range statuses {
		label := "BEAR"
		if st.Bull {
			label = "BULL"
		}
		fmt.Fprintf(out, "regime %-10s %s (%s)\n", bucket, label, st.Proxy)
	}
	if len(candidates) == 0 {
		fmt.Fprintln(out, "no candidates pass the gates today")
		return nil
	}
	for i, c := range candidates {
		fmt.Fprintf(out, "%2d. %-8s score=%.4f mom=%+.4f vol=%.4f sector=%s\n",
			i+1, c.Symbol, c.Score, c.Momentum, c.Volatility, c.Sector)
	}
	return nil
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := application.Load(configPath)
	if err != nil {
		return err
	}

	metrics := httpiface.NewMetricsRegistry()
	var ledger *postgres.Ledger
	if cfg.Store.LedgerDSNEnv != "" {
		if dsn := os.Getenv(cfg.Store.LedgerDSNEnv); dsn != "" {
			if ledger, err = postgres.Open(dsn, 10*time.Second); err != nil {
				log.Warn().Err(err).Msg("ledger unavailable for health checks")
				ledger = nil
			} else {
				defer ledger.Close()
			}
		}
	}

	srv := httpiface.NewServer(metrics, pingerOrNil(ledger), version)
	log.Info().Str("addr", monitorAddr).Msg("monitor server starting")
	return srv.ListenAndServe(ctx, monitorAddr)
}

// pingerOrNil avoids handing the server a typed nil interface.
func pingerOrNil(l *postgres.Ledger) httpiface.Pinger {
	if l == nil {
		return nil
	}
	return l
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var hh, mm int
	if _, err := fmt.Sscanf(scheduleAt, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return fmt.Errorf("invalid --at value %q, want HH:MM", scheduleAt)
	}

	runner, ledger, err := buildRunner(httpiface.NewMetricsRegistry())
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
	}

	log.Info().Str("at", scheduleAt).Bool("dry_run", dryRun).Msg("scheduler started")
	for {
		next := nextRunTime(time.Now().UTC(), hh, mm)
		log.Info().Time("next_run", next).Msg("waiting for next run")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("scheduler stopping")
			return nil
		case <-timer.C:
		}

		if _, err := runner.Run(ctx, dryRun); err != nil {
			log.Error().Err(err).Msg("scheduled run failed")
		}
	}
}

func nextRunTime(now time.Time, hh, mm int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
