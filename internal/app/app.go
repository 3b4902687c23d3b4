// Package app wires the bot together: config, logging, transport, storage,
// quiz core, leaderboard cache, rate limiting, broadcast and scheduled jobs.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"quizbot/internal/broadcast"
	"quizbot/internal/config"
	"quizbot/internal/leaderboard"
	"quizbot/internal/quiz"
	"quizbot/internal/ratelimit"
	"quizbot/internal/scheduler"
	"quizbot/internal/storage"
	kit "quizbot/internal/transport"
	telegram "quizbot/internal/transport/telegram"
	logx "quizbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	adapter  kit.Adapter
	store    storage.Store
	registry *quiz.Registry
	board    *leaderboard.Cache
	limiter  *ratelimit.Limiter
	caster   *broadcast.Dispatcher
	sched    *scheduler.Service
	router   *Router

	sessionRetention time.Duration
	dailyAt          string
	boardTTL         time.Duration

	updates chan kit.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	sessionRetention, err := config.ParseDurationOrDefault("quiz.session_retention", cfg.Quiz.SessionRetention, quiz.DefaultRetention)
	if err != nil {
		return nil, err
	}
	cooldown, err := config.ParseDurationOrDefault("quiz.cooldown", cfg.Quiz.Cooldown, ratelimit.DefaultCooldown)
	if err != nil {
		return nil, err
	}
	boardTTL, err := config.ParseDurationOrDefault("leaderboard.ttl", cfg.Leaderboard.TTL, leaderboard.DefaultTTL)
	if err != nil {
		return nil, err
	}
	batchDelay, err := config.ParseDurationOrDefault("broadcast.batch_delay", cfg.Broadcast.BatchDelay, broadcast.DefaultBatchDelay)
	if err != nil {
		return nil, err
	}

	registry := quiz.NewRegistry(log.With(logx.String("comp", "quiz")))
	board := leaderboard.New(store, boardTTL, cfg.Leaderboard.TopN, log.With(logx.String("comp", "leaderboard")))
	proc := quiz.NewProcessor(registry, store, board, log.With(logx.String("comp", "quiz")))
	limiter := ratelimit.New(cooldown, CooldownCommands, log.With(logx.String("comp", "ratelimit")))
	caster := broadcast.NewDispatcher(ad, store, store, &broadcast.Options{
		BatchSize:  cfg.Broadcast.BatchSize,
		PaceAbove:  cfg.Broadcast.PaceAbove,
		BatchDelay: batchDelay,
		RatePerSec: float64(cfg.Broadcast.RatePerSec),
	}, log.With(logx.String("comp", "broadcast")))
	sched := scheduler.New(scheduler.Config{
		Workers:     cfg.Scheduler.Workers,
		HistorySize: cfg.Scheduler.HistorySize,
		Timezone:    cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")))

	router := NewRouter(RouterDeps{
		Log:      log.With(logx.String("comp", "commands")),
		Tx:       ad,
		Store:    store,
		Registry: registry,
		Proc:     proc,
		Board:    board,
		Limiter:  limiter,
		Caster:   caster,
		Owners:   cfg.Telegram.OwnerUserIDs,
	})

	return &App{
		cfgPath:          cfgPath,
		cfgm:             cfgm,
		log:              log,
		logs:             logSvc,
		adapter:          ad,
		store:            store,
		registry:         registry,
		board:            board,
		limiter:          limiter,
		caster:           caster,
		sched:            sched,
		router:           router,
		sessionRetention: sessionRetention,
		dailyAt:          strings.TrimSpace(cfg.Quiz.DailyAt),
		boardTTL:         boardTTL,
		updates:          make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}

	a.sched.Start(runCtx)
	if err := a.registerJobs(); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.router.DispatchLoop(runCtx, a.updates); err != nil {
			a.log.Error("command dispatch loop exited", logx.Err(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reloadLoop(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	// Warm the leaderboard so the first reader doesn't pay the recompute.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		warmCtx, warmCancel := context.WithTimeout(runCtx, 15*time.Second)
		defer warmCancel()
		if err := a.board.Refresh(warmCtx); err != nil {
			a.log.Warn("leaderboard warmup failed", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	a.cancel()

	// Bound each shutdown step so one stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, max)
		defer stepCancel()

		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("loops", 3*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// reloadLoop applies hot-reloadable config sections. Storage and telegram
// settings need a restart; logging, owners and cooldowns apply live.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
			a.log.Info("config reloaded")
		}
	}
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"quiz.session_retention", cfg.Quiz.SessionRetention},
		{"quiz.cooldown", cfg.Quiz.Cooldown},
		{"leaderboard.ttl", cfg.Leaderboard.TTL},
		{"broadcast.batch_delay", cfg.Broadcast.BatchDelay},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if at := strings.TrimSpace(cfg.Quiz.DailyAt); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("quiz.daily_at: invalid %q, expected HH:MM", at)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
