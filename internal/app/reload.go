package app

import (
	"context"
	"strings"
	"time"

	"owbsend/internal/config"
	logx "owbsend/pkg/logx"
)

// startReloadLoop applies published configs one at a time, keeping only the
// latest of a burst.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, newCfg)
			}
		}
	})
}

// applyConfig moves the running app to fileCfg. Logging, trigger, dispatch
// and frame settings apply live. Serial and pool changes restart the pool
// between ticks; if the new sink cannot be opened the previous one is restored.
func (a *App) applyConfig(ctx context.Context, fileCfg *config.Config) {
	newCfg := a.ov.Apply(fileCfg)
	s, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.mu.Lock()
	oldCfg, oldSettings := a.cfg, a.settings
	a.mu.Unlock()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	for _, w := range s.Warnings() {
		a.log.Warn("config warning", logx.String("detail", w))
	}

	logCfg := s.Logging
	logCfg.Out = a.logOut
	a.logs.Apply(logCfg)

	a.sched.SetConfig(s.Dispatch)

	if err := a.trig.Apply(s.Trigger); err != nil {
		a.log.Warn("trigger config rejected; keeping previous", logx.Err(err))
		s.Trigger = oldSettings.Trigger
	}

	if config.NeedsPoolRestart(sections) {
		if !a.restartPool(ctx, oldSettings, s) {
			s.Sink, s.Channels, s.JoinTimeout = oldSettings.Sink, oldSettings.Channels, oldSettings.JoinTimeout
			newCfg.Serial, newCfg.Pool = oldCfg.Serial, oldCfg.Pool
		}
	}

	a.mu.Lock()
	a.cfg, a.settings = newCfg, s
	a.mu.Unlock()

	a.log.Info("config reloaded", fields...)
}

// restartPool swaps the pool onto new settings while no tick is in flight.
// It reports whether the new settings are running.
func (a *App) restartPool(ctx context.Context, old, s config.Settings) bool {
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	wait, cancel := context.WithTimeout(ctx, old.Dispatch.PollInterval*time.Duration(old.Dispatch.MaxAttempts)+5*time.Second)
	defer cancel()

	applied := false
	err := a.sched.Between(wait, func() error {
		if err := a.pool.Stop(old.JoinTimeout); err != nil {
			a.log.Warn("pool stop during reload", logx.Err(err))
		}
		if err := a.pool.Start(ctx, s.Channels, s.Sink); err != nil {
			a.log.Error("pool restart failed; restoring previous sink", logx.String("sink", s.Sink.Endpoint), logx.Err(err))
			if err := a.pool.Start(ctx, old.Channels, old.Sink); err != nil {
				a.log.Error("previous sink could not be reopened; pool is down", logx.String("sink", old.Sink.Endpoint), logx.Err(err))
			}
			return nil
		}
		applied = true
		return nil
	})
	if err != nil {
		a.log.Warn("pool restart skipped; a tick is still in flight (save the config again to retry)", logx.Err(err))
		return false
	}
	if applied {
		a.log.Info("pool restarted",
			logx.String("sink", s.Sink.Endpoint),
			logx.Int("channels", s.Channels),
		)
	}
	return applied
}
