package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/hitoshi/noticeman/internal/model"
)

// HTMLIndexSource は告知一覧をHTMLページで公開する事業者向けのアダプタ。
// 路線カタログはJSON配列のエンドポイントから取得し、
// 告知は路線ごとの一覧ページからPDFリンクを抽出する。
type HTMLIndexSource struct {
	operator model.Operator
	baseURL  string
	guard    SSRFValidator
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTMLIndexSource はHTMLIndexSourceを生成する。
func NewHTMLIndexSource(operator model.Operator, baseURL string, guard SSRFValidator, client *http.Client, limiter *rate.Limiter) *HTMLIndexSource {
	return &HTMLIndexSource{
		operator: operator,
		baseURL:  baseURL,
		guard:    guard,
		client:   client,
		limiter:  limiter,
	}
}

// Operator はこのソースが対象とする事業者を返す。
func (s *HTMLIndexSource) Operator() model.Operator { return s.operator }

// htmlIndexRoutePayload は路線カタログエンドポイントの1エントリ。
type htmlIndexRoutePayload struct {
	Route string `json:"route"`
	Bound string `json:"bound"`
}

// ListRoutes は路線カタログを取得する。
// レスポンスはトップレベルのJSON配列であることを要求し、
// 形状が一致しない場合はデコード失敗として明示的にエラーになる。
func (s *HTMLIndexSource) ListRoutes(ctx context.Context) ([]model.RouteRef, error) {
	endpoint, err := url.JoinPath(s.baseURL, "routes.json")
	if err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Err: err}
	}

	var parsed []htmlIndexRoutePayload
	if err := fetchJSON(ctx, s.guard, s.client, s.limiter, endpoint, &parsed); err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Err: err}
	}

	routes := make([]model.RouteRef, 0, len(parsed))
	for _, p := range parsed {
		if p.Route == "" {
			continue
		}
		routes = append(routes, model.RouteRef{Route: p.Route, Bound: p.Bound})
	}

	return DedupeRoutes(routes), nil
}

// ListNotices は路線の告知一覧ページからPDFリンクを抽出する。
// 告知IDにはリンク先のファイル名を使用し、相対リンクはページURLに対して解決する。
func (s *HTMLIndexSource) ListNotices(ctx context.Context, route model.RouteRef) ([]model.NormalizedNotice, error) {
	endpoint, err := url.JoinPath(s.baseURL, "notices")
	if err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Route: route.Route, Err: err}
	}
	query := url.Values{}
	query.Set("route", route.Route)
	if route.Bound != "" {
		query.Set("bound", route.Bound)
	}
	endpoint += "?" + query.Encode()

	body, err := s.fetchPage(ctx, endpoint)
	if err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Route: route.Route, Err: err}
	}

	pageURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, &model.SourceUnavailableError{Operator: s.operator.Code, Route: route.Route, Err: err}
	}

	return extractPDFLinks(body, pageURL), nil
}

// fetchPage はURLを検証し、レート制限を待った上で告知一覧ページを取得する。
func (s *HTMLIndexSource) fetchPage(ctx context.Context, endpoint string) ([]byte, error) {
	if err := s.guard.ValidateURL(endpoint); err != nil {
		return nil, fmt.Errorf("SSRF検証に失敗: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	return body, nil
}

// extractPDFLinks はHTMLボディから.pdfへのアンカーを抽出する。
// アンカーのテキストをタイトルとして採用する。
// .pdf判定は解決後のURLパスに対して行う。生のhref文字列に対して行うと
// クエリ文字列付きのリンク（/docs/n100.pdf?v=2）を取りこぼす。
func extractPDFLinks(htmlBody []byte, pageURL *url.URL) []model.NormalizedNotice {
	var notices []model.NormalizedNotice

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	var pendingDoc *url.URL
	var pendingText strings.Builder
	inAnchor := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF含め、これ以上読めない時点で終了
			return notices

		case html.StartTagToken:
			tn, hasAttr := tokenizer.TagName()
			if string(tn) != "a" || !hasAttr {
				continue
			}
			inAnchor = false
			for {
				key, val, more := tokenizer.TagAttr()
				if string(key) == "href" {
					resolved := resolveHref(pageURL, strings.TrimSpace(string(val)))
					if resolved != nil && strings.HasSuffix(strings.ToLower(resolved.Path), ".pdf") {
						pendingDoc = resolved
						pendingText.Reset()
						inAnchor = true
					}
				}
				if !more {
					break
				}
			}

		case html.TextToken:
			if inAnchor {
				pendingText.Write(tokenizer.Text())
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) != "a" || !inAnchor {
				continue
			}
			inAnchor = false

			notices = append(notices, model.NormalizedNotice{
				ID:          path.Base(pendingDoc.Path),
				Title:       strings.TrimSpace(pendingText.String()),
				DocumentURL: pendingDoc.String(),
			})
		}
	}
}

// resolveHref は相対リンクをページURLに対して解決する。
// http/https以外に解決されたリンクはnilを返して除外する。
func resolveHref(pageURL *url.URL, href string) *url.URL {
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	resolved := pageURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil
	}
	return resolved
}

// compile-time interface check
var _ Source = (*HTMLIndexSource)(nil)
