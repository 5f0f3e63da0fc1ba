// Package reconcile は告知の調整（フェッチ・比較・適用）処理を提供する。
// ソースが現在報告する告知集合と永続化済みの既知集合を突き合わせ、
// 新規登録・再確認・リタイアの最小の状態遷移を冪等に適用する。
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/noticeman/internal/document"
	"github.com/hitoshi/noticeman/internal/metrics"
	"github.com/hitoshi/noticeman/internal/model"
	"github.com/hitoshi/noticeman/internal/repository"
	"github.com/hitoshi/noticeman/internal/security"
	"github.com/hitoshi/noticeman/internal/source"
)

// Stats は1事業者・1ランの適用結果。
type Stats struct {
	Routes         int // 走査対象となった路線数（キャップ適用後）
	RoutesSkipped  int // 告知取得に失敗してスキップされた路線数
	Inserted       int
	Touched        int
	Retired        int
	NoticeFailures int // 文書取得・永続化に失敗してスキップされた告知数
	RetireFailures int
}

// Engine は1事業者・1ランタイムスタンプ分の調整パスを実行する。
type Engine struct {
	notices   repository.NoticeRepository
	fetcher   document.FetcherService
	store     document.StoreService
	sanitizer security.TitleSanitizerService
	collector metrics.MetricsCollector
	logger    *slog.Logger
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	notices repository.NoticeRepository,
	fetcher document.FetcherService,
	store document.StoreService,
	sanitizer security.TitleSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		notices:   notices,
		fetcher:   fetcher,
		store:     store,
		sanitizer: sanitizer,
		collector: collector,
		logger:    logger,
	}
}

// Run は1事業者分の調整パスを実行する。
//
// アルゴリズム:
//  1. 路線カタログを取得する。失敗は当該事業者のランにとって致命的。
//  2. 走査開始前にアクティブ集合のスナップショットを取る。
//     スキャン中の状態変化に影響されず、1ランが正確に1回の
//     compare-then-applyパスに収まる。
//  3. 路線ごとに告知を取得し、新規は文書取得+登録、既知は再確認する。
//     路線単位・告知単位の失敗はログしてスキップし、ランは継続する。
//  4. スナップショットにあってseen集合にないキーをリタイアする。
//     ソースからの消失は「明示的な削除シグナル」ではなく不在で検出される。
//     ソースが報告したものの適用（touch/insert）に失敗した告知は
//     不在ではないためリタイアの対象外。
//
// routeLimitは走査路線数の明示的な上限（0は無制限）。上限外の路線と
// 取得に失敗した路線はこのランの走査対象に含まれないため、
// それらの既存告知はリタイア判定の対象外となる（誤リタイア防止）。
func (e *Engine) Run(ctx context.Context, src source.Source, routeLimit int, now time.Time) (*Stats, error) {
	operator := src.Operator()
	stats := &Stats{}

	routes, err := src.ListRoutes(ctx)
	if err != nil {
		e.collector.RecordSourceFailure(string(operator.Code))
		e.logger.Error("路線カタログの取得に失敗しました",
			slog.String("operator", string(operator.Code)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if routeLimit > 0 && len(routes) > routeLimit {
		e.logger.Warn("路線数が設定上限を超えているため切り詰めます",
			slog.String("operator", string(operator.Code)),
			slog.Int("route_count", len(routes)),
			slog.Int("route_limit", routeLimit),
		)
		routes = routes[:routeLimit]
	}
	stats.Routes = len(routes)

	previouslyActive, err := e.notices.ActiveNoticeKeys(ctx, operator.Code)
	if err != nil {
		e.logger.Error("アクティブ集合のスナップショット取得に失敗しました",
			slog.String("operator", string(operator.Code)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	seen := make(map[model.NoticeKey]struct{})
	failed := make(map[model.NoticeKey]struct{})
	scannedRoutes := make(map[string]struct{}, len(routes))

	for _, route := range routes {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		noticeList, err := src.ListNotices(ctx, route)
		if err != nil {
			// 路線単位の失敗: ログして次の路線へ。走査対象にも含めない。
			e.collector.RecordSourceFailure(string(operator.Code))
			e.collector.RecordRouteFailure(string(operator.Code))
			e.logger.Error("路線の告知取得に失敗しました",
				slog.String("operator", string(operator.Code)),
				slog.String("route", route.Route),
				slog.String("bound", route.Bound),
				slog.String("error", err.Error()),
			)
			stats.RoutesSkipped++
			continue
		}
		scannedRoutes[route.Route] = struct{}{}

		for _, n := range noticeList {
			if n.ID == "" {
				continue
			}
			key := model.NoticeKey{Route: route.Route, NoticeID: n.ID}
			if _, done := seen[key]; done {
				continue
			}

			if err := e.applyNotice(ctx, operator.Code, route.Route, n, now, stats); err != nil {
				// 失敗した告知はseenではなくfailedに記録する。
				// ソースは依然この告知を報告しているため、
				// 同ランの不在判定（リタイア）の対象にしてはならない。
				failed[key] = struct{}{}
				stats.NoticeFailures++
				continue
			}
			seen[key] = struct{}{}
		}
	}

	for _, key := range previouslyActive {
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := failed[key]; ok {
			// ソースに報告されていたがtouch/insertに失敗した告知。
			// 不在ではないためリタイアせず、次回ランで再試行する。
			continue
		}
		if _, scanned := scannedRoutes[key.Route]; !scanned {
			// 上限外または取得失敗の路線はこのランのseen宇宙に含まれないため、
			// 不在をもって消失と判定できない。
			continue
		}

		if err := e.notices.Retire(ctx, operator.Code, key.Route, key.NoticeID); err != nil {
			e.logger.Error("告知のリタイアに失敗しました",
				slog.String("operator", string(operator.Code)),
				slog.String("route", key.Route),
				slog.String("notice_id", key.NoticeID),
				slog.String("error", err.Error()),
			)
			stats.RetireFailures++
			continue
		}
		e.logger.Info("告知をリタイアしました",
			slog.String("operator", string(operator.Code)),
			slog.String("route", key.Route),
			slog.String("notice_id", key.NoticeID),
		)
		stats.Retired++
	}

	e.collector.RecordNoticesInserted(string(operator.Code), stats.Inserted)
	e.collector.RecordNoticesTouched(string(operator.Code), stats.Touched)
	e.collector.RecordNoticesRetired(string(operator.Code), stats.Retired)

	e.logger.Info("調整パスが完了しました",
		slog.String("operator", string(operator.Code)),
		slog.Int("routes", stats.Routes),
		slog.Int("routes_skipped", stats.RoutesSkipped),
		slog.Int("inserted", stats.Inserted),
		slog.Int("touched", stats.Touched),
		slog.Int("retired", stats.Retired),
		slog.Int("notice_failures", stats.NoticeFailures),
	)

	return stats, nil
}

// applyNotice は告知1件分のアクションを決定して適用する。
// 新規なら文書取得+永続化+メタデータ登録、既知なら再確認（touch）。
func (e *Engine) applyNotice(ctx context.Context, operator model.OperatorCode, route string, n model.NormalizedNotice, now time.Time, stats *Stats) error {
	exists, err := e.notices.Exists(ctx, operator, route, n.ID)
	if err != nil {
		e.logger.Error("告知レコードの存在確認に失敗しました",
			slog.String("operator", string(operator)),
			slog.String("route", route),
			slog.String("notice_id", n.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if exists {
		// 「アクティブ継続」と「非アクティブからの再出現」の両方をtouchで処理する。
		// discovered_atは初回観測値のまま変わらない。
		if err := e.notices.Touch(ctx, operator, route, n.ID, now); err != nil {
			e.logger.Error("告知の再確認に失敗しました",
				slog.String("operator", string(operator)),
				slog.String("route", route),
				slog.String("notice_id", n.ID),
				slog.String("error", err.Error()),
			)
			return err
		}
		stats.Touched++
		return nil
	}

	return e.insertNew(ctx, operator, route, n, now, stats)
}

// insertNew は新規告知の文書を取得・保存し、メタデータレコードを登録する。
// 文書取得に失敗した場合はレコードを一切残さない（孤児メタデータの禁止）。
// 次回のスケジュールランで未知の告知として再試行される。
func (e *Engine) insertNew(ctx context.Context, operator model.OperatorCode, route string, n model.NormalizedNotice, now time.Time, stats *Stats) error {
	body, err := e.fetcher.Fetch(ctx, n.DocumentURL)
	if err != nil {
		e.collector.RecordDownloadFailure(string(operator))
		e.logger.Error("告知文書のダウンロードに失敗しました",
			slog.String("operator", string(operator)),
			slog.String("route", route),
			slog.String("notice_id", n.ID),
			slog.String("document_url", n.DocumentURL),
			slog.String("error", err.Error()),
		)
		return err
	}

	docPath, err := e.store.Persist(operator, route, n.ID, body, now)
	if err != nil {
		e.logger.Error("告知文書の保存に失敗しました",
			slog.String("operator", string(operator)),
			slog.String("route", route),
			slog.String("notice_id", n.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	notice := &model.Notice{
		ID:           uuid.New().String(),
		OperatorCode: operator,
		Route:        route,
		NoticeID:     n.ID,
		Title:        e.sanitizer.Sanitize(n.Title),
		DocumentURL:  n.DocumentURL,
		DocumentPath: docPath,
		IsActive:     true,
		DiscoveredAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.notices.Insert(ctx, notice); err != nil {
		// 文書ファイルは残るが、上書き許容のため次回ランの再取得で整合する。
		e.logger.Error("告知レコードの登録に失敗しました",
			slog.String("operator", string(operator)),
			slog.String("route", route),
			slog.String("notice_id", n.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("新規告知を登録しました",
		slog.String("operator", string(operator)),
		slog.String("route", route),
		slog.String("notice_id", n.ID),
		slog.String("document_path", docPath),
	)
	stats.Inserted++
	return nil
}

// IsSourceUnavailable はエラーがソース取得失敗かを判定する。
func IsSourceUnavailable(err error) bool {
	var target *model.SourceUnavailableError
	return errors.As(err, &target)
}
