package cronrunner

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner schedules the master's background sweeps: heartbeat sweep,
// assignment retry and retention pruning. Jobs inherit the process base
// context and a panicking job never takes the scheduler down with it.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		defer func() {
			if rec := recover(); rec != nil && r.logger != nil {
				r.logger.Error("cron job panicked",
					zap.String("job", name),
					zap.Any("panic", rec),
				)
			}
		}()
		ctx := r.baseCtx
		if ctx == nil {
			ctx = context.Background()
		}
		job(ctx)
	})
}

func (r *Runner) Start() {
	if r.logger != nil {
		r.logger.Info("cron started")
	}
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	if r.logger != nil {
		r.logger.Info("cron stopped")
	}
}
