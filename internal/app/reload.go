package app

import (
	"context"
	"slices"
	"strings"

	"readbot/internal/campaign"
	"readbot/internal/config"
	"readbot/internal/eventbus"
	logx "readbot/pkg/logx"
)

// validateReload rejects a config the running campaign could not apply.
// The file-level checks already ran in config.Validate.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	set, err := campaign.SettingsFromConfig(cfg)
	if err != nil {
		return err
	}
	_, err = set.DeliverySpec()
	return err
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig pushes a validated config into the running components. A step
// that fails is logged and the previous behavior for that part is kept.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	ch := config.Diff(old, cfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)...)

	if ch.Logging || slices.Contains(ch.Sections, "telegram") {
		a.logs.Apply(logConfig(cfg))
	}
	if ch.Admins {
		a.admin.Admins().Set(cfg.Telegram.AdminUserIDs)
		a.log.Info("admin list updated", logx.Int("admins", len(cfg.Telegram.AdminUserIDs)))
	}
	if ch.Timezone {
		if loc, err := cfg.Location(); err != nil {
			a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		} else {
			a.clk.SetLocation(loc)
			a.sched.ApplyTimezone(loc)
		}
	}
	if ch.Content {
		if src, err := buildContent(ctx, cfg, a.root); err != nil {
			a.log.Warn("content source rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.content.Swap(src)
			a.log.Info("content source replaced", logx.String("source", cfg.Content.Source))
		}
	}

	if set, err := campaign.SettingsFromConfig(cfg); err != nil {
		a.log.Warn("invalid campaign config; keeping previous", logx.Err(err))
	} else if err := a.campaign.Reconfigure(ctx, set); err != nil {
		a.log.Warn("campaign reconfigure failed", logx.Err(err))
	}

	for _, s := range ch.Restart {
		a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
	}
	eventbus.Publish(a.bus, eventbus.ConfigReloadApplied, ch.Sections)
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)...)
}
