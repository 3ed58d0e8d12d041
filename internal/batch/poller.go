package batch

import (
	"context"

	"github.com/zhenzou/executors"

	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/log"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// ProviderResolver maps a ModelProvider name (as persisted on a
// BatchRequest row) back to the live config needed to poll it — Poll
// needs the full llmtypes.ModelProvider (base URL, credential reference),
// not just the name the row stores.
type ProviderResolver func(modelName, providerName string) (*llmtypes.ModelProvider, bool)

// Poller drives Poll across every pending BatchRequest on a schedule,
// grounded on the teacher's internal/server/gc.Worker /
// internal/server/biz's channel-probe workers: a struct holding an
// executors.ScheduledExecutor plus a Start/Stop(ctx) lifecycle around
// ScheduleFuncAtCronRate. Unlike internal/observability's flush loop
// (sub-second interval, plain time.Ticker), batch polling is
// minute-scale, which is exactly zhenzou/executors' CRON sweet spot —
// channel_probe.go and data_storage.go poll on "* * * * *" for the same
// reason.
type Poller struct {
	store    *store.Store
	adapter  Adapter
	resolve  ProviderResolver
	cron     string
	executor executors.ScheduledExecutor
	cancel   context.CancelFunc
}

// NewPoller builds a Poller. cron follows the teacher's poll-loop
// convention ("* * * * *" for a once-a-minute sweep); adapter is shared
// across every provider this gateway polls batches against (callers that
// need per-provider-kind adapters should dispatch within a ProviderResolver
// or wrap Adapter themselves).
func NewPoller(st *store.Store, adapter Adapter, resolve ProviderResolver, cron string) *Poller {
	if cron == "" {
		cron = "* * * * *"
	}

	return &Poller{
		store: st, adapter: adapter, resolve: resolve, cron: cron,
		executor: executors.NewPoolScheduleExecutor(executors.WithMaxConcurrent(8)),
	}
}

// Start schedules the poll sweep. Matches the teacher's
// gc.Worker.Start(ctx) shape: ScheduleFuncAtCronRate plus a stashed
// cancel func for Stop.
func (p *Poller) Start(ctx context.Context) error {
	cancel, err := p.executor.ScheduleFuncAtCronRate(p.sweep, executors.CRONRule{Expr: p.cron})
	if err != nil {
		return err
	}

	p.cancel = cancel

	log.Info(ctx, "batch poller started", log.String("cron", p.cron))

	return nil
}

// Stop cancels the schedule and shuts down the executor.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	return p.executor.Shutdown(ctx)
}

// sweep polls every pending batch once (spec §4.10 "Polls are idempotent
// and rate-limited" — idempotence comes from Poll's own early return on a
// non-pending BatchRequest; rate-limiting comes from running at most once
// per cron tick with a bounded executor).
func (p *Poller) sweep(ctx context.Context) {
	pending, err := p.store.ListPendingBatchRequests(ctx)
	if err != nil {
		log.Error(ctx, "batch poller: failed to list pending batches", log.Cause(err))
		return
	}

	for _, req := range pending {
		mp, ok := p.resolve(req.ModelName, req.ModelProviderName)
		if !ok {
			log.Warn(ctx, "batch poller: unknown model provider for pending batch",
				log.String("batch_id", req.BatchID), log.String("model_provider", req.ModelProviderName))

			continue
		}

		if err := Poll(ctx, p.store, p.adapter, mp, req.BatchID); err != nil {
			log.Error(ctx, "batch poller: poll failed", log.String("batch_id", req.BatchID), log.Cause(err))
		}
	}
}
