// Package source は交通事業者ごとのソースアダプタを提供する。
// 各アダプタは事業者固有のページネーション・フィールド名・URL組み立てを吸収し、
// 正規化された (路線, 告知ID, 文書URL) の列を調整エンジンに渡す。
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/hitoshi/noticeman/internal/model"
)

// SSRFValidator はアウトバウンドURLの事前検証インターフェース。
// カタログ・告知一覧のエンドポイントはソース設定由来のため、
// リクエスト送信前に全URLを検証する。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
}

// Source はソースアダプタの共通インターフェース。
type Source interface {
	// Operator はこのソースが対象とする事業者を返す。
	Operator() model.Operator

	// ListRoutes は事業者の路線カタログを返す。
	// 取得失敗時は*model.SourceUnavailableErrorを返し、
	// 当該事業者のラン全体が中断される（路線なしでは何もできないため）。
	// 返却前に正規化キー（route+bound）で重複排除される。
	ListRoutes(ctx context.Context) ([]model.RouteRef, error)

	// ListNotices は指定路線の現在掲出中の告知を返す。
	// 取得失敗時は*model.SourceUnavailableErrorを返すが、呼び出し側は
	// 路線単位の失敗として扱い、ログして次の路線へ進む。
	ListNotices(ctx context.Context, route model.RouteRef) ([]model.NormalizedNotice, error)
}

// ConfiguredSource はソースと走査ポリシーの組。
// RouteLimitは1ランで走査する路線数の明示的な上限（0は無制限）。
type ConfiguredSource struct {
	Source     Source
	RouteLimit int
}

// DedupeRoutes はリモートカタログが重複報告した路線を正規化キーで排除する。
// 重複エントリのフィールドは実際上同一のため、後勝ちで問題ない。
// 出現順（初出位置）は保持する。
func DedupeRoutes(routes []model.RouteRef) []model.RouteRef {
	index := make(map[string]int, len(routes))
	deduped := make([]model.RouteRef, 0, len(routes))

	for _, r := range routes {
		key := r.Key()
		if i, ok := index[key]; ok {
			deduped[i] = r
			continue
		}
		index[key] = len(deduped)
		deduped = append(deduped, r)
	}

	return deduped
}

// fetchJSON はURLを検証し、レート制限を待った上でGETし、レスポンスを厳密にJSONデコードする。
// 非200ステータスおよびJSON以外のレスポンスはエラーを返す（暗黙のフォールバックはしない）。
func fetchJSON(ctx context.Context, guard SSRFValidator, client *http.Client, limiter *rate.Limiter, url string, v any) error {
	if err := guard.ValidateURL(url); err != nil {
		return fmt.Errorf("SSRF検証に失敗: %w", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("レスポンスのJSONデコードに失敗: %w", err)
	}

	return nil
}

const (
	// userAgent は全ソースリクエスト共通のUser-Agentヘッダ。
	userAgent = "Noticeman/1.0 transit notice tracker"
	// maxResponseSize はソースAPIレスポンスの読み取り上限。
	maxResponseSize = 5 << 20
)
