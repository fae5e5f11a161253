package scheduler

import (
	"github.com/robfig/cron/v3"

	"github.com/cuk-labs/usagebar/pkg/logger"
)

// RefreshCron drives periodic refresh-all sweeps on a cron schedule.
type RefreshCron struct {
	log  *logger.Logger
	cron *cron.Cron
}

// NewRefreshCron creates the driver without starting it.
func NewRefreshCron(log *logger.Logger) *RefreshCron {
	if log == nil {
		log = logger.NewDefault("refresh")
	}
	return &RefreshCron{
		log:  log,
		cron: cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers fn on the cron spec (e.g. "@every 5m") and begins firing.
func (r *RefreshCron) Start(spec string, fn func()) error {
	if _, err := r.cron.AddFunc(spec, fn); err != nil {
		return err
	}
	r.cron.Start()
	r.log.WithField("spec", spec).Info("refresh schedule started")
	return nil
}

// Stop halts the schedule; a sweep in progress finishes.
func (r *RefreshCron) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
