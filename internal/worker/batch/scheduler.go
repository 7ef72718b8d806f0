// Package batch は定期的な一括照合のスケジューリングを提供する。
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/reconcile"
)

// DefaultInterval は一括照合の実行間隔のデフォルト値。
const DefaultInterval = 6 * time.Hour

// Runner は全会員の一括照合を実行するインターフェース。
type Runner interface {
	RunAll(ctx context.Context, source model.SyncSource) (*reconcile.Summary, error)
}

// Scheduler は一定間隔で一括照合を起動する。
// 1回の実行が間隔より長引いた場合、次のティックは実行中の照合と重ならない。
type Scheduler struct {
	runner Runner
	logger *slog.Logger
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{runner: runner, logger: logger}
}

// Start は起動直後に1回照合を実行し、以降はintervalごとに実行する。
// コンテキストがキャンセルされるまでブロックする。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("一括照合スケジューラを開始しました", slog.Duration("interval", interval))

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("一括照合スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("一括照合の実行に失敗しました", slog.String("error", err.Error()))
	}
}

// RunOnce は一括照合を1回実行する。
// 別の一括照合が実行中の場合はスキップしてnilを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in batch reconcile: %v", r)
		}
	}()

	summary, err := s.runner.RunAll(ctx, model.SourceBatch)
	if errors.Is(err, reconcile.ErrBatchInProgress) {
		s.logger.Warn("一括照合が実行中のため今回の実行をスキップしました")
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("定期一括照合が完了しました",
		slog.Int("total", summary.Total),
		slog.Int("corrected", summary.Corrected),
		slog.Int("errored", summary.Errored),
		slog.Int("skipped", summary.Skipped),
	)
	return nil
}
