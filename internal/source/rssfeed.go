package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/hitoshi/noticeman/internal/model"
)

// routePlaceholder はフィードURLテンプレート内の路線プレースホルダ。
const routePlaceholder = "{route}"

// RSSSource は告知をRSS/Atomフィードで公開する事業者向けのアダプタ。
// フィードには路線カタログがないため、対象路線は設定で列挙される。
// フィードURLはbaseURL内の{route}プレースホルダを路線名で置換して組み立てる。
type RSSSource struct {
	operator model.Operator
	baseURL  string
	routes   []string
	guard    SSRFValidator
	client   *http.Client
	limiter  *rate.Limiter
}

// NewRSSSource はRSSSourceを生成する。
func NewRSSSource(operator model.Operator, baseURL string, routes []string, guard SSRFValidator, client *http.Client, limiter *rate.Limiter) *RSSSource {
	return &RSSSource{
		operator: operator,
		baseURL:  baseURL,
		routes:   routes,
		guard:    guard,
		client:   client,
		limiter:  limiter,
	}
}

// Operator はこのソースが対象とする事業者を返す。
func (s *RSSSource) Operator() model.Operator { return s.operator }

// ListRoutes は設定された固定路線リストを返す。
// リモート問い合わせを伴わないため失敗しない。
func (s *RSSSource) ListRoutes(ctx context.Context) ([]model.RouteRef, error) {
	routes := make([]model.RouteRef, 0, len(s.routes))
	for _, r := range s.routes {
		routes = append(routes, model.RouteRef{Route: r})
	}
	return DedupeRoutes(routes), nil
}

// ListNotices は路線のフィードを取得し、各アイテムを告知に正規化する。
// 文書URLはenclosureを優先し、なければアイテムのリンクを使用する。
// PDFへのリンクを持たないアイテムはスキップする。
func (s *RSSSource) ListNotices(ctx context.Context, route model.RouteRef) ([]model.NormalizedNotice, error) {
	feedURL := s.feedURLFor(route.Route)
	if err := s.guard.ValidateURL(feedURL); err != nil {
		return nil, &model.SourceUnavailableError{
			Operator: s.operator.Code,
			Route:    route.Route,
			Err:      fmt.Errorf("SSRF検証に失敗: %w", err),
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Route: route.Route, Err: err}
	}

	parser := gofeed.NewParser()
	parser.Client = s.client
	parser.UserAgent = userAgent

	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, &model.SourceUnavailableError{
			Operator: s.operator.Code,
			Route:    route.Route,
			Err:      fmt.Errorf("フィードの取得・パースに失敗: %w", err),
		}
	}

	notices := make([]model.NormalizedNotice, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		docURL := documentURLOf(item)
		if docURL == "" {
			continue
		}

		id := item.GUID
		if id == "" {
			if u, err := url.Parse(docURL); err == nil {
				id = path.Base(u.Path)
			}
		}
		if id == "" {
			continue
		}

		notices = append(notices, model.NormalizedNotice{
			ID:          id,
			Title:       item.Title,
			DocumentURL: docURL,
		})
	}

	return notices, nil
}

// feedURLFor は路線のフィードURLを組み立てる。
// プレースホルダがない場合はrouteクエリパラメータを付与する。
func (s *RSSSource) feedURLFor(route string) string {
	if strings.Contains(s.baseURL, routePlaceholder) {
		return strings.ReplaceAll(s.baseURL, routePlaceholder, url.QueryEscape(route))
	}
	sep := "?"
	if strings.Contains(s.baseURL, "?") {
		sep = "&"
	}
	return s.baseURL + sep + "route=" + url.QueryEscape(route)
}

// documentURLOf はフィードアイテムから文書URLを決定する。
func documentURLOf(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		if enc.Type == "application/pdf" || strings.HasSuffix(strings.ToLower(enc.URL), ".pdf") {
			return enc.URL
		}
	}
	if strings.HasSuffix(strings.ToLower(item.Link), ".pdf") {
		return item.Link
	}
	return ""
}

// compile-time interface check
var _ Source = (*RSSSource)(nil)
