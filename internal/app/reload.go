package app

import (
	"context"
	"os"
	"strings"

	"salewatch/internal/config"
	"salewatch/internal/eventbus"
	"salewatch/internal/sound"
	"salewatch/pkg/logx"
)

// startConfigReload fans validated config updates out to the live-tunable
// components. Sections that need a restart are only reported.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// last applied config, for the diff summary
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
				if restart := config.RestartRequired(sections); len(restart) > 0 {
					a.log.Warn("config changed; restart required for changes to take effect",
						logx.String("sections", strings.Join(restart, ",")))
				}

				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg

				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

// applyConfig pushes the live-tunable sections of newCfg into the running
// components. A section that fails to map keeps its previous values.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	a.logs.Apply(mapLogConfig(newCfg))

	if d, err := mapAutoHide(newCfg); err != nil {
		a.log.Warn("invalid toast config; keeping previous", logx.Err(err))
	} else {
		a.toast.SetAutoHide(d)
	}

	if opts, err := mapArbiterOptions(newCfg); err != nil {
		a.log.Warn("invalid arbiter config; keeping previous", logx.Err(err))
	} else {
		a.arb.SetOptions(opts)
	}
	if oldCfg == nil || oldCfg.Arbiter.Sound != newCfg.Arbiter.Sound || oldCfg.Arbiter.Command != newCfg.Arbiter.Command {
		if p, err := sound.New(newCfg.Arbiter.Sound, newCfg.Arbiter.Command, os.Stdout); err != nil {
			a.log.Warn("invalid sound player; keeping previous", logx.Err(err))
		} else {
			a.arb.SetPlayer(p)
		}
	}

	a.dedup.SetCapacity(newCfg.Dedup.Capacity)
	a.recent.SetSize(newCfg.Recent.Size)

	if _, ttl, err := mapSourceConfig(newCfg); err == nil {
		a.cache.SetTTL(ttl)
	}

	if opts, err := mapReconcileOptions(newCfg); err != nil {
		a.log.Warn("invalid reconcile config; keeping previous", logx.Err(err))
	} else {
		a.rec.SetOptions(opts)
	}

	if opts, err := mapDashboardOptions(newCfg); err != nil {
		a.log.Warn("invalid dashboard config; keeping previous", logx.Err(err))
	} else {
		a.dash.Apply(ctx, opts)
		if oldCfg == nil || !strings.EqualFold(strings.TrimSpace(oldCfg.Reconcile.Theme), strings.TrimSpace(newCfg.Reconcile.Theme)) {
			eventbus.Publish(a.bus, eventbus.ConfigApplied, opts.Theme)
		}
	}

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if oldCfg == nil || oldCfg.Poll != newCfg.Poll || oldCfg.Source.Timeout != newCfg.Source.Timeout {
		if err := a.addPollJobs(newCfg); err != nil {
			a.log.Warn("invalid poll schedule; keeping previous", logx.Err(err))
		}
	}
}
