package source

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/hitoshi/noticeman/internal/config"
	"github.com/hitoshi/noticeman/internal/model"
)

// Build はソースカタログからアダプタ群を構築する。
// 各ソースには独立したレートリミッタを割り当てる（事業者間で干渉させない）。
// guardは各リクエスト送信前のURL検証に、clientにはSSRFガード付きの
// HTTPクライアントを渡すこと。
func Build(catalog *config.SourceCatalog, guard SSRFValidator, client *http.Client, requestsPerSecond float64) ([]ConfiguredSource, error) {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}

	sources := make([]ConfiguredSource, 0, len(catalog.Sources))
	for _, sc := range catalog.Sources {
		operator := model.Operator{
			Name: sc.Name,
			Code: model.OperatorCode(sc.Code),
		}
		limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), 1)

		var src Source
		switch sc.Kind {
		case config.SourceKindKMBJSON:
			src = NewKMBSource(operator, sc.BaseURL, guard, client, limiter)
		case config.SourceKindHTMLIndex:
			src = NewHTMLIndexSource(operator, sc.BaseURL, guard, client, limiter)
		case config.SourceKindRSS:
			src = NewRSSSource(operator, sc.BaseURL, sc.Routes, guard, client, limiter)
		default:
			return nil, fmt.Errorf("unknown source kind %q for operator %s", sc.Kind, sc.Code)
		}

		sources = append(sources, ConfiguredSource{
			Source:     src,
			RouteLimit: sc.RouteLimit,
		})
	}

	return sources, nil
}
