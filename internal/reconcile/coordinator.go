package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/noticeman/internal/metrics"
	"github.com/hitoshi/noticeman/internal/model"
	"github.com/hitoshi/noticeman/internal/repository"
	"github.com/hitoshi/noticeman/internal/source"
)

// OperatorRunner は1事業者分の調整パスの実行インターフェース。
// テスト時にEngineをモックに差し替え可能にする。
type OperatorRunner interface {
	Run(ctx context.Context, src source.Source, routeLimit int, now time.Time) (*Stats, error)
}

// Coordinator は1スケジュールサイクル分の調整を全事業者に対して駆動する。
// 事業者間に順序依存はなく（パーティションキーで完全に分離されている）、
// semaphoreパターンで並列実行する。1事業者の失敗は他の事業者の
// 実行を妨げない。サイクル全体で単一のnowタイムスタンプを共有する。
type Coordinator struct {
	runner         OperatorRunner
	sources        []source.ConfiguredSource
	ledger         repository.RunLedgerRepository
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewCoordinator(
	runner OperatorRunner,
	sources []source.ConfiguredSource,
	ledger repository.RunLedgerRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Coordinator {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Coordinator{
		runner:         runner,
		sources:        sources,
		ledger:         ledger,
		collector:      collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// RunCycle は全事業者の調整パスを1回実行し、結果をランレジャーに記録する。
// 事業者単位の失敗はここで捕捉・ログされ、伝播しない。
// 戻り値のエラーはレジャー記録の失敗のみを表す。
func (c *Coordinator) RunCycle(ctx context.Context, now time.Time) error {
	start := time.Now()

	c.logger.Info("調整サイクルを開始します",
		slog.Time("run_at", now),
		slog.Int("operator_count", len(c.sources)),
		slog.Int("max_concurrency", c.maxConcurrency),
	)

	sem := make(chan struct{}, c.maxConcurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	total := Stats{}
	var failedOperators []string

	for _, cs := range c.sources {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(cs source.ConfiguredSource) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			operator := cs.Source.Operator()
			stats, err := c.runner.Run(ctx, cs.Source, cs.RouteLimit, now)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				c.collector.RecordOperatorFailure(string(operator.Code))
				c.logger.Error("事業者の調整パスが中断しました",
					slog.String("operator", string(operator.Code)),
					slog.String("error", err.Error()),
				)
				failedOperators = append(failedOperators, string(operator.Code))
			}
			if stats != nil {
				total.Inserted += stats.Inserted
				total.Touched += stats.Touched
				total.Retired += stats.Retired
				total.NoticeFailures += stats.NoticeFailures
				total.RoutesSkipped += stats.RoutesSkipped
			}
		}(cs)
	}

	wg.Wait()

	duration := time.Since(start)
	c.collector.RecordCycle(duration)

	succeeded := len(failedOperators) == 0
	if !succeeded {
		c.collector.RecordCycleFailure()
	}

	record := &model.RunRecord{
		ID:        uuid.New().String(),
		RanAt:     now,
		Succeeded: succeeded,
		Operators: len(c.sources),
		Inserted:  total.Inserted,
		Touched:   total.Touched,
		Retired:   total.Retired,
		CreatedAt: time.Now(),
	}
	if len(failedOperators) > 0 {
		record.ErrorMessage = "中断した事業者: " + strings.Join(failedOperators, ", ")
	}

	if err := c.ledger.RecordRun(ctx, record); err != nil {
		c.logger.Error("ランレジャーへの記録に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}

	c.logger.Info("調整サイクルが完了しました",
		slog.Bool("succeeded", succeeded),
		slog.Int("inserted", total.Inserted),
		slog.Int("touched", total.Touched),
		slog.Int("retired", total.Retired),
		slog.Int("notice_failures", total.NoticeFailures),
		slog.Int("routes_skipped", total.RoutesSkipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// compile-time interface check
var _ OperatorRunner = (*Engine)(nil)
