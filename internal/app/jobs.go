package app

import (
	"context"
	"fmt"
	"time"

	logx "quizbot/pkg/logx"
)

// registerJobs installs the periodic maintenance work. Must run after the
// scheduler has started.
func (a *App) registerJobs() error {
	if _, err := a.sched.AddInterval("quiz.sessions.sweep", time.Hour, 30*time.Second, func(context.Context) error {
		a.registry.Sweep(a.sessionRetention)
		return nil
	}); err != nil {
		return fmt.Errorf("register session sweep: %w", err)
	}

	if _, err := a.sched.AddInterval("leaderboard.refresh", a.boardTTL, 15*time.Second, func(ctx context.Context) error {
		return a.board.Refresh(ctx)
	}); err != nil {
		return fmt.Errorf("register leaderboard refresh: %w", err)
	}

	if _, err := a.sched.AddInterval("ratelimit.sweep", time.Hour, 10*time.Second, func(context.Context) error {
		a.limiter.Sweep(0)
		return nil
	}); err != nil {
		return fmt.Errorf("register ratelimit sweep: %w", err)
	}

	if a.dailyAt != "" {
		if _, err := a.sched.AddDaily("quiz.daily", a.dailyAt, 2*time.Minute, a.sendDailyQuiz); err != nil {
			return fmt.Errorf("register daily quiz: %w", err)
		}
		a.log.Info("daily quiz scheduled", logx.String("at", a.dailyAt))
	}
	return nil
}

// sendDailyQuiz pushes one random quiz to every active group. A failing group
// doesn't stop the rest.
func (a *App) sendDailyQuiz(ctx context.Context) error {
	groups, err := a.store.ActiveGroups(ctx)
	if err != nil {
		return fmt.Errorf("load active groups: %w", err)
	}
	var failed int
	for _, g := range groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.router.SendQuizTo(ctx, g.ChatID, "", true); err != nil {
			failed++
			a.log.Warn("daily quiz delivery failed", logx.Int64("chat_id", g.ChatID), logx.Err(err))
		}
	}
	a.log.Info("daily quiz sent", logx.Int("groups", len(groups)), logx.Int("failed", failed))
	return nil
}
