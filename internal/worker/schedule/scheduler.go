// Package schedule は調整サイクルの日次スケジューリングを提供する。
// 固定タイムゾーンの固定時刻にアンカーし、ランレジャーを参照して
// 1暦日1回のガードを行う。コア（調整エンジン）はこのガードを関知せず、
// 呼ばれた時点で単に実行する。
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/noticeman/internal/repository"
)

// CycleRunner は1サイクル実行のインターフェース。
// reconcile.Coordinatorを抽象化してテスタビリティを向上させる。
type CycleRunner interface {
	RunCycle(ctx context.Context, now time.Time) error
}

// Scheduler は日次アンカー時刻に調整サイクルを起動する。
type Scheduler struct {
	runner  CycleRunner
	ledger  repository.RunLedgerRepository
	logger  *slog.Logger
	runHour int
	loc     *time.Location
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	runner CycleRunner,
	ledger repository.RunLedgerRepository,
	logger *slog.Logger,
	runHour int,
	loc *time.Location,
) *Scheduler {
	return &Scheduler{
		runner:  runner,
		ledger:  ledger,
		logger:  logger,
		runHour: runHour,
		loc:     loc,
	}
}

// Start はスケジューラを起動する。コンテキストがキャンセルされるまで実行を継続する。
// 起動時点で当日のアンカー時刻を過ぎていて未実行の場合は、即座に1回実行する。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("日次スケジューラを開始しました",
		slog.Int("run_hour", s.runHour),
		slog.String("timezone", s.loc.String()),
	)

	now := time.Now().In(s.loc)
	if !now.Before(anchorOf(now, s.runHour, s.loc)) {
		s.runDue(ctx)
	}

	for {
		now = time.Now().In(s.loc)
		next := NextRunTime(now, s.runHour, s.loc)
		s.logger.Info("次回の実行時刻まで待機します",
			slog.Time("next_run", next),
		)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("日次スケジューラを停止しました")
			return
		case <-timer.C:
			s.runDue(ctx)
		}
	}
}

// runDue は「本日実行済み」ガードを通した上でサイクルを実行する。
func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now().In(s.loc)

	ran, err := s.alreadyRanToday(ctx, now)
	if err != nil {
		// レジャーが読めない場合は実行する。サイクルは冪等のため再実行は安全。
		s.logger.Error("ランレジャーの読み取りに失敗しました（実行を継続します）",
			slog.String("error", err.Error()),
		)
	}
	if ran {
		s.logger.Info("本日のサイクルは実行済みのためスキップします",
			slog.Time("now", now),
		)
		return
	}

	if err := s.runner.RunCycle(ctx, now); err != nil {
		s.logger.Error("調整サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// alreadyRanToday は最後に成功したランがnowと同一暦日（固定タイムゾーン基準）かを返す。
func (s *Scheduler) alreadyRanToday(ctx context.Context, now time.Time) (bool, error) {
	last, err := s.ledger.LastSuccessfulRun(ctx)
	if err != nil {
		return false, err
	}
	if last == nil {
		// 未実行（レジャーにエントリなし）
		return false, nil
	}

	lastDay := last.RanAt.In(s.loc)
	return lastDay.Year() == now.Year() && lastDay.YearDay() == now.YearDay(), nil
}

// NextRunTime はnowより後の直近のアンカー時刻を返す。
func NextRunTime(now time.Time, runHour int, loc *time.Location) time.Time {
	anchor := anchorOf(now, runHour, loc)
	if anchor.After(now) {
		return anchor
	}
	return anchor.AddDate(0, 0, 1)
}

// anchorOf はnowと同じ暦日のアンカー時刻を返す。
func anchorOf(now time.Time, runHour int, loc *time.Location) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), runHour, 0, 0, 0, loc)
}
