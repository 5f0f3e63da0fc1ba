package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceKind はソースアダプタの種別を表す。
type SourceKind string

const (
	// SourceKindKMBJSON はKMB系のJSON APIソース。
	SourceKindKMBJSON SourceKind = "kmb-json"
	// SourceKindHTMLIndex は告知一覧をHTMLページで公開するソース。
	SourceKindHTMLIndex SourceKind = "html-index"
	// SourceKindRSS は告知をRSS/Atomフィードで公開するソース。
	SourceKindRSS SourceKind = "rss"
)

// SourceConfig は事業者ソース1件の定義。
type SourceConfig struct {
	Name       string     `yaml:"name"`
	Code       string     `yaml:"code"`
	Kind       SourceKind `yaml:"kind"`
	BaseURL    string     `yaml:"baseURL"`
	// RouteLimit は1ランで走査する路線数の上限。0は無制限。
	// コスト制御のための明示的なキャップであり、上限外の路線の既存告知は
	// 当該ランの影響を受けない（リタイアされない）。
	RouteLimit int `yaml:"routeLimit"`
	// Routes はrssソース用の固定路線リスト。
	// RSSフィードは路線カタログを持たないため、設定で列挙する。
	Routes []string `yaml:"routes"`
}

// SourceCatalog はsources.yamlの全体構造。
type SourceCatalog struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources はYAMLファイルから事業者ソースカタログを読み込む。
// コード・種別・baseURLの必須チェックとコード重複チェックを行う。
func LoadSources(path string) (*SourceCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file %s: %w", path, err)
	}

	var catalog SourceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %s: %w", path, err)
	}

	if len(catalog.Sources) == 0 {
		return nil, fmt.Errorf("sources file %s defines no sources", path)
	}

	seen := make(map[string]bool, len(catalog.Sources))
	for i, src := range catalog.Sources {
		if src.Code == "" {
			return nil, fmt.Errorf("sources[%d]: code is required", i)
		}
		if seen[src.Code] {
			return nil, fmt.Errorf("sources[%d]: duplicate code %q", i, src.Code)
		}
		seen[src.Code] = true

		switch src.Kind {
		case SourceKindKMBJSON, SourceKindHTMLIndex:
			if src.BaseURL == "" {
				return nil, fmt.Errorf("sources[%d] (%s): baseURL is required", i, src.Code)
			}
		case SourceKindRSS:
			if src.BaseURL == "" {
				return nil, fmt.Errorf("sources[%d] (%s): baseURL is required", i, src.Code)
			}
			if len(src.Routes) == 0 {
				return nil, fmt.Errorf("sources[%d] (%s): rss sources require a routes list", i, src.Code)
			}
		default:
			return nil, fmt.Errorf("sources[%d] (%s): unknown kind %q", i, src.Code, src.Kind)
		}
		if src.RouteLimit < 0 {
			return nil, fmt.Errorf("sources[%d] (%s): routeLimit must not be negative", i, src.Code)
		}
	}

	return &catalog, nil
}
