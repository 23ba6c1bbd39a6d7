// Package app assembles the bot from its parts and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"readbot/internal/admin"
	"readbot/internal/campaign"
	"readbot/internal/clock"
	"readbot/internal/config"
	"readbot/internal/eventbus"
	"readbot/internal/ledger"
	"readbot/internal/progress"
	rtsup "readbot/internal/runtime/supervisor"
	"readbot/internal/stats"
	"readbot/internal/storage"
	"readbot/internal/task/scheduler"
	kit "readbot/internal/transport"
	telegram "readbot/internal/transport/telegram/adapter"
	"readbot/internal/transport/telegram/router"
	logx "readbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	root logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB
	clk  *clock.Real

	adapter  *telegram.Adapter
	cmdm     *router.CommandManager
	sched    *scheduler.Service
	content  *swapSource
	progress *progress.Store
	campaign *campaign.Service
	admin    *admin.Service

	updates chan kit.Update
}

// New loads the configuration and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...config.Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, opts...)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeout(),
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, root := logx.New(logConfig(cfg))
	logSvc.SetChatSender(ad)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clk := clock.New(loc)
	bus := eventbus.New()

	db, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: cfg.BusyTimeout()}, root)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = db.Close()
		logSvc.Close()
		return nil, err
	}

	src, err := buildContent(ctx, cfg, root)
	if err != nil {
		return fail(err)
	}
	content := newSwapSource(src)

	set, err := campaign.SettingsFromConfig(cfg)
	if err != nil {
		return fail(err)
	}
	ps := progress.New(db, clk, set.StartIndex, root)
	led := ledger.New(db, ps, clk, root)
	engine := stats.New(db, led, ps, clk, root)

	sched := scheduler.New(scheduler.Config{Location: loc, DefaultTimeout: cfg.JobTimeout()}, root, bus)

	camp, err := campaign.New(ctx, set, campaign.Deps{
		Clock:    clk,
		Progress: ps,
		Ledger:   led,
		Stats:    engine,
		Content:  content,
		Delivery: ad,
		Store:    db,
		Bus:      bus,
		Log:      root,
	})
	if err != nil {
		return fail(err)
	}
	if err := camp.Register(sched); err != nil {
		return fail(err)
	}

	adm := admin.New(admin.Deps{
		Admins:   admin.NewAllowList(cfg.Telegram.AdminUserIDs),
		Progress: ps,
		Campaign: camp,
		Stats:    engine,
		Ledger:   led,
		Content:  content,
		Jobs:     sched,
		Clock:    clk,
		Bus:      bus,
		Log:      root,
	})

	cmdm := router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, router.Options{
		RenderError: admin.RenderError,
	})
	cmdm.SetRegistry(adm.Commands())
	cmdm.SetFallback(camp.HandleMessage)

	return &App{
		cfgm:     cfgm,
		log:      log,
		root:     root,
		logs:     logSvc,
		bus:      bus,
		db:       db,
		clk:      clk,
		adapter:  ad,
		cmdm:     cmdm,
		sched:    sched,
		content:  content,
		progress: ps,
		campaign: camp,
		admin:    adm,
		updates:  make(chan kit.Update, 256),
	}, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(a.validateReload)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.watchEvents()
	a.watchConfig()

	notifyReady(a.log)
	set := a.campaign.Settings()
	a.log.Info("app started",
		logx.Int64("group", set.GroupID),
		logx.String("send_time", set.SendTime),
		logx.String("tz", a.clk.Location().String()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	a.sup.Cancel()

	// scheduler first so no job starts against a closing adapter or database
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
