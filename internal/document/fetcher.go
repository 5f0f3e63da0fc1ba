// Package document は告知文書（PDF）の取得と保存を提供する。
package document

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hitoshi/noticeman/internal/model"
)

// FetcherService は文書本体の取得インターフェース。
type FetcherService interface {
	// Fetch はURLから文書本体を取得する。
	// 非200レスポンスおよびネットワーク失敗は*model.DownloadFailedErrorを返す。
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SSRFValidator はアウトバウンドURLの事前検証インターフェース。
// 文書URLはソースAPIレスポンス由来のため、リクエスト送信前に必ず検証する。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
}

// Fetcher はFetcherServiceのHTTP実装。
// clientにはSSRFガード付き・タイムアウト設定済みのクライアントを渡すこと。
type Fetcher struct {
	guard   SSRFValidator
	client  *http.Client
	maxSize int64
}

// NewFetcher はFetcherを生成する。
func NewFetcher(guard SSRFValidator, client *http.Client, maxSize int64) *Fetcher {
	return &Fetcher{
		guard:   guard,
		client:  client,
		maxSize: maxSize,
	}
}

// Fetch はURLから文書本体を取得する。
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := f.guard.ValidateURL(url); err != nil {
		return nil, &model.DownloadFailedError{URL: url, Err: fmt.Errorf("SSRF検証に失敗: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &model.DownloadFailedError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", "Noticeman/1.0 transit notice tracker")
	req.Header.Set("Accept", "application/pdf, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &model.DownloadFailedError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &model.DownloadFailedError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize))
	if err != nil {
		return nil, &model.DownloadFailedError{URL: url, Err: fmt.Errorf("レスポンス読み取り失敗: %w", err)}
	}

	return body, nil
}

// compile-time interface check
var _ FetcherService = (*Fetcher)(nil)
