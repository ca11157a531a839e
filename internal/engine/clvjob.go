package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunCLV drives closing capture and CLV measurement on its own cadence,
// separate from the poll loop: closings only matter around tipoff and
// the pass is idempotent, so a coarse timer is enough. Fresh records fan
// out as finalization webhooks.
func (e *Engine) RunCLV(ctx context.Context) {
	if !e.cfg.CLV.Enabled {
		log.Info().Msg("clv job disabled")
		return
	}

	interval := e.cfg.CLV.JobInterval()
	log.Info().Dur("interval", interval).Msg("clv job started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("clv job stopped")
			return
		case <-timer.C:
			e.clvPass(ctx)
			timer.Reset(interval)
		}
	}
}

func (e *Engine) clvPass(runCtx context.Context) {
	ctx := context.WithoutCancel(runCtx)
	now := time.Now().UTC()

	timer := e.metrics.StartStepTimer("clv")

	if _, err := e.deps.Clv.ComputeClosings(ctx, now); err != nil {
		timer.Stop("error")
		log.Error().Err(err).Msg("closing capture failed")
		return
	}

	res, err := e.deps.Clv.ComputeCLV(ctx, now)
	if err != nil {
		timer.Stop("error")
		log.Error().Err(err).Msg("clv pass failed")
		return
	}
	timer.Stop("ok")

	if len(res.Records) > 0 {
		if err := e.deps.Dispatcher.DispatchClv(ctx, res.Records); err != nil {
			log.Warn().Err(err).Int("records", len(res.Records)).Msg("clv dispatch failed")
		}
	}
}
