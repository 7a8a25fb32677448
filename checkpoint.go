package ariesql

import "github.com/robfig/cron/v3"

// startCheckpointDaemon schedules a recurring WAL checkpoint on the
// configured interval, the background-maintenance pattern the teacher's
// own tooling runs its periodic jobs with. A failed checkpoint is logged
// and retried on the next tick rather than crashing the engine.
func (e *Engine) startCheckpointDaemon() {
	c := cron.New()
	spec := "@every " + e.cfg.CheckpointInterval.String()
	_, err := c.AddFunc(spec, func() {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		if err := e.p.Checkpoint(); err != nil {
			e.Logger.Error().Err(err).Msg("checkpoint failed")
			return
		}
		e.Logger.Debug().Msg("checkpoint complete")
	})
	if err != nil {
		e.Logger.Error().Err(err).Str("spec", spec).Msg("could not schedule checkpoint daemon")
		return
	}
	c.Start()
	e.mu.Lock()
	e.cron = c
	e.mu.Unlock()
}
