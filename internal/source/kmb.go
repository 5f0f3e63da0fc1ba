package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/hitoshi/noticeman/internal/model"
)

// KMBSource はKMB系のJSON APIから路線と告知を取得するアダプタ。
// カタログAPIは {"data": [...]} 形式を返す。dataフィールドの欠落は
// 形状不一致として明示的にエラーにする（暗黙のリストフォールバックはしない）。
type KMBSource struct {
	operator model.Operator
	baseURL  string
	guard    SSRFValidator
	client   *http.Client
	limiter  *rate.Limiter
}

// NewKMBSource はKMBSourceを生成する。
func NewKMBSource(operator model.Operator, baseURL string, guard SSRFValidator, client *http.Client, limiter *rate.Limiter) *KMBSource {
	return &KMBSource{
		operator: operator,
		baseURL:  baseURL,
		guard:    guard,
		client:   client,
		limiter:  limiter,
	}
}

// Operator はこのソースが対象とする事業者を返す。
func (s *KMBSource) Operator() model.Operator { return s.operator }

// kmbRoutePayload は路線カタログAPIの1エントリ。
type kmbRoutePayload struct {
	Route string `json:"route"`
	Bound string `json:"bound"`
}

// kmbRouteListResponse は路線カタログAPIのレスポンス全体。
type kmbRouteListResponse struct {
	Data []kmbRoutePayload `json:"data"`
}

// ListRoutes は路線カタログを取得する。
func (s *KMBSource) ListRoutes(ctx context.Context) ([]model.RouteRef, error) {
	endpoint, err := url.JoinPath(s.baseURL, "route")
	if err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Err: err}
	}

	var parsed kmbRouteListResponse
	if err := fetchJSON(ctx, s.guard, s.client, s.limiter, endpoint, &parsed); err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Err: err}
	}
	if parsed.Data == nil {
		return nil, &model.SourceUnavailableError{
			Operator: s.operator.Code,
			Err:      fmt.Errorf("路線カタログのレスポンスにdataフィールドがありません"),
		}
	}

	routes := make([]model.RouteRef, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		if p.Route == "" {
			continue
		}
		routes = append(routes, model.RouteRef{Route: p.Route, Bound: p.Bound})
	}

	return DedupeRoutes(routes), nil
}

// kmbNoticePayload は告知APIの1エントリ。
// kpi_noticeimageurlはファイル名のみで、文書URLはベースパスと結合して組み立てる。
type kmbNoticePayload struct {
	Title string `json:"kpi_title"`
	File  string `json:"kpi_noticeimageurl"`
}

// kmbNoticeListResponse は告知APIのレスポンス全体。
type kmbNoticeListResponse struct {
	Data []kmbNoticePayload `json:"data"`
}

// ListNotices は指定路線の現在掲出中の告知を取得する。
// 告知IDにはファイル名をそのまま使用する（(operator, route)内で一意）。
func (s *KMBSource) ListNotices(ctx context.Context, route model.RouteRef) ([]model.NormalizedNotice, error) {
	endpoint, err := url.JoinPath(s.baseURL, "announce")
	if err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Route: route.Route, Err: err}
	}
	query := url.Values{}
	query.Set("route", route.Route)
	if route.Bound != "" {
		query.Set("bound", route.Bound)
	}
	endpoint += "?" + query.Encode()

	var parsed kmbNoticeListResponse
	if err := fetchJSON(ctx, s.guard, s.client, s.limiter, endpoint, &parsed); err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Route: route.Route, Err: err}
	}
	if parsed.Data == nil {
		return nil, &model.SourceUnavailableError{
			Operator: s.operator.Code,
			Route:    route.Route,
			Err:      fmt.Errorf("告知レスポンスにdataフィールドがありません"),
		}
	}

	notices := make([]model.NormalizedNotice, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		if p.File == "" {
			continue
		}
		docURL, err := url.JoinPath(s.baseURL, "notice", p.File)
		if err != nil {
			continue
		}
		notices = append(notices, model.NormalizedNotice{
			ID:          p.File,
			Title:       p.Title,
			DocumentURL: docURL,
		})
	}

	return notices, nil
}

// compile-time interface check
var _ Source = (*KMBSource)(nil)
