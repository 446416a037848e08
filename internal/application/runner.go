package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantrun/rotor/internal/data"
	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/indicator"
	httpiface "github.com/quantrun/rotor/internal/interfaces/http"
	"github.com/quantrun/rotor/internal/notify"
	"github.com/quantrun/rotor/internal/rank"
	"github.com/quantrun/rotor/internal/regime"
	"github.com/quantrun/rotor/internal/report"
	"github.com/quantrun/rotor/internal/rotation"
	"github.com/quantrun/rotor/internal/store"
	"github.com/quantrun/rotor/internal/store/postgres"
)

// Runner wires the full pipeline for one decision run: fetch, indicators,
// regime, ranking, rotation, report, persistence, notification.
type Runner struct {
	cfg        *Config
	provider   data.Provider
	store      *store.FileStore
	ledger     *postgres.Ledger // nil when the ledger is disabled
	notifier   *notify.Notifier // nil when no channel is configured
	metrics    *httpiface.MetricsRegistry
	indicators *indicator.Engine
	classifier *regime.Classifier
	ranker     *rank.Ranker
	engine     *rotation.Engine
	reporter   *report.Builder
}

// NewRunner assembles the pipeline from configuration. ledger and notifier
// may be nil; both are best-effort sinks.
func NewRunner(cfg *Config, provider data.Provider, st *store.FileStore, ledger *postgres.Ledger, notifier *notify.Notifier, metrics *httpiface.MetricsRegistry) *Runner {
	ranker := rank.New(cfg.Sectors, cfg.Tier1Multiplier)
	return &Runner{
		cfg:        cfg,
		provider:   provider,
		store:      st,
		ledger:     ledger,
		notifier:   notifier,
		metrics:    metrics,
		indicators: indicator.New(cfg.Indicators),
		classifier: regime.New(cfg.Buckets),
		ranker:     ranker,
		engine:     rotation.New(cfg.Rotation, ranker),
		reporter:   report.NewBuilder(cfg.ParamsOf, cfg.SectorOf, cfg.Rotation.StressLevel),
	}
}

// Run executes one full decision cycle. When dryRun is set the plan is
// computed and reported but no state mutation or persistence happens.
func (r *Runner) Run(ctx context.Context, dryRun bool) (plan rotation.Plan, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.metrics.RunDuration.Observe(time.Since(start).Seconds())
		r.metrics.RunsTotal.WithLabelValues(outcome).Inc()
	}()

	asOf := time.Now().UTC()

	prices, err := r.provider.History(ctx, r.cfg.FetchSymbols(), r.cfg.Data.LookbackDays)
	if err != nil {
		return rotation.Plan{}, fmt.Errorf("fetch price history: %w", err)
	}

	state, err := r.store.Load(r.cfg.InitialCash)
	if err != nil {
		return rotation.Plan{}, fmt.Errorf("load portfolio state: %w", err)
	}

	snaps := r.snapshots(prices)
	r.metrics.SymbolsOK.Set(float64(len(snaps)))

	statuses := r.classifier.Classify(prices, asOf)
	for bucket, st := range statuses {
		v := 0.0
		if st.Bull {
			v = 1.0
		}
		r.metrics.RegimeBull.WithLabelValues(bucket).Set(v)
	}

	volProxy := r.volProxy(prices)

	plan = r.engine.Evaluate(rotation.Input{
		AsOf:       asOf,
		State:      state,
		Snapshots:  snaps,
		Regimes:    statuses,
		Candidates: r.ranker.Rank(r.cfg.Universe, snaps, statuses, func(sym string) bool {
			_, held := state.Positions[sym]
			return held
		}),
		HeldScores: r.heldScores(state, snaps),
		VolProxy:   volProxy,
	})

	for _, d := range plan.Decisions {
		r.metrics.Decisions.WithLabelValues(string(d.Action), string(d.Reason)).Inc()
	}
	r.metrics.Equity.Set(plan.Equity)

	log.Info().
		Str("run_id", plan.RunID.String()).
		Float64("equity", plan.Equity).
		Float64("vol_proxy", plan.VolProxy).
		Int("decisions", len(plan.Decisions)).
		Bool("dry_run", dryRun).
		Msg("rotation plan computed")

	message := r.reporter.Build(plan, state, snaps, dryRun)

	if !dryRun {
		if err := r.engine.Apply(state, plan, r.cfg.SectorOf); err != nil {
			return plan, fmt.Errorf("apply plan: %w", err)
		}
		if err := r.store.Save(state); err != nil {
			return plan, fmt.Errorf("persist portfolio state: %w", err)
		}
	}

	r.recordLedger(ctx, plan, statuses, dryRun)
	r.send(ctx, message)

	return plan, nil
}

// Scan ranks the universe without touching state; used by the scan command
// for a read-only look at today's candidates.
func (r *Runner) Scan(ctx context.Context) ([]rank.Candidate, map[string]regime.Status, error) {
	asOf := time.Now().UTC()

	prices, err := r.provider.History(ctx, r.cfg.FetchSymbols(), r.cfg.Data.LookbackDays)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch price history: %w", err)
	}

	snaps := r.snapshots(prices)
	statuses := r.classifier.Classify(prices, asOf)
	candidates := r.ranker.Rank(r.cfg.Universe, snaps, statuses, nil)
	return candidates, statuses, nil
}

// snapshots computes the latest indicator snapshot for every universe symbol
// with usable history. Symbols without data are simply absent; downstream
// stages treat absence as "no decision".
func (r *Runner) snapshots(prices map[string]domain.Series) map[string]indicator.Snapshot {
	snaps := make(map[string]indicator.Snapshot, len(r.cfg.Universe))
	for _, inst := range r.cfg.Universe {
		series, ok := prices[inst.Symbol]
		if !ok {
			continue
		}
		if snap, ok := r.indicators.Latest(series); ok {
			snaps[inst.Symbol] = snap
		}
	}
	return snaps
}

// heldScores scores current holdings against the same rubric as candidates so
// the swap rule compares like with like. Holdings that fail the score gate
// are absent from the map and cannot be swapped out this run.
func (r *Runner) heldScores(state *domain.State, snaps map[string]indicator.Snapshot) map[string]float64 {
	scores := make(map[string]float64, len(state.Positions))
	for _, inst := range r.cfg.Universe {
		if _, held := state.Positions[inst.Symbol]; !held {
			continue
		}
		snap, ok := snaps[inst.Symbol]
		if !ok {
			continue
		}
		if score, ok := r.ranker.Score(inst, snap); ok {
			scores[inst.Symbol] = score
		}
	}
	return scores
}

func (r *Runner) volProxy(prices map[string]domain.Series) float64 {
	sym := r.cfg.Data.VolProxySymbol
	if sym == "" {
		return 0
	}
	series, ok := prices[sym]
	if !ok {
		log.Warn().Str("symbol", sym).Msg("volatility proxy missing, sizing unscaled")
		return 0
	}
	last, ok := series.Last()
	if !ok {
		return 0
	}
	return last.Close
}

// recordLedger writes the audit rows. Ledger failures are logged and
// swallowed; the file store is the system of record.
func (r *Runner) recordLedger(ctx context.Context, plan rotation.Plan, statuses map[string]regime.Status, dryRun bool) {
	if r.ledger == nil {
		return
	}
	rec := postgres.RunRecord{
		RunID:    plan.RunID,
		AsOf:     plan.AsOf,
		Equity:   plan.Equity,
		VolProxy: plan.VolProxy,
		Scaler:   plan.Scaler,
		DryRun:   dryRun,
	}
	if err := r.ledger.RecordRun(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("ledger run insert failed")
		return
	}
	if err := r.ledger.RecordDecisions(ctx, plan.RunID, plan.Decisions); err != nil {
		log.Warn().Err(err).Msg("ledger decision insert failed")
	}
	if err := r.ledger.RecordRegimes(ctx, plan.RunID, statuses); err != nil {
		log.Warn().Err(err).Msg("ledger regime insert failed")
	}
}

func (r *Runner) send(ctx context.Context, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Send(ctx, message); err != nil {
		r.metrics.NotifyErrors.Inc()
		log.Warn().Err(err).Msg("notification delivery failed")
	}
}
