package simplecache

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger routes cron's logging to zerolog.
type cronLogger struct {
	log *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// startSweeper runs the periodic expiry sweep until Close.
func (a *Adapter) startSweeper() {
	a.sweepMux.Lock()
	defer a.sweepMux.Unlock()
	if a.sweeper != nil {
		return
	}
	logger := cronLogger{log: a.logger()}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(a.schedule, cron.FuncJob(func() {
		ctx := context.Background()
		if err := a.Ready(ctx); err != nil {
			return
		}
		a.sweep(ctx)
	}))
	c.Start()
	a.sweeper = c
	a.logger().Info().Msg("Expiry sweeper started")
}

func (a *Adapter) stopSweeper() {
	a.sweepMux.Lock()
	c := a.sweeper
	a.sweeper = nil
	a.sweepMux.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
