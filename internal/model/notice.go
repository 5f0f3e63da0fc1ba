// Package model はドメインモデルを定義する。
package model

import "time"

// Notice は路線に紐づく告知文書（PDF）の1件を表す。
// (OperatorCode, Route, NoticeID) が自然キーであり、IDはサロゲートキー。
type Notice struct {
	ID           string
	OperatorCode OperatorCode
	Route        string
	NoticeID     string
	Title        string // サニタイズ済みタイトル（空の場合あり）
	DocumentURL  string
	DocumentPath string // 取得済み文書の保存先（ドキュメントルートからの相対パス）
	IsActive     bool
	DiscoveredAt time.Time  // 初回観測日時。一度設定されたら不変。
	LastSeenAt   *time.Time // 既存レコードとして再観測された最新日時。初回はnil。
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NoticeKey は事業者パーティション内で告知を一意に識別するキー。
// アクティブ集合のスナップショットと当該ランのseen集合の比較に使用する。
type NoticeKey struct {
	Route    string
	NoticeID string
}

// RouteRef はソースへの問い合わせに使用する路線参照。
// Boundは方向修飾子で、同一路線番号の往復を区別する（空の場合あり）。
// 路線は永続化されず、告知の暗黙的なグルーピングとしてのみ存在する。
type RouteRef struct {
	Route string
	Bound string
}

// Key はルート重複排除に使用する正規化キーを返す。
func (r RouteRef) Key() string {
	return r.Route + "|" + r.Bound
}

// NormalizedNotice はソースアダプタが返す正規化済みの告知1件。
// ページネーション、フィールド名の差異、URL組み立てはアダプタ側で吸収済み。
type NormalizedNotice struct {
	ID          string
	Title       string // 未サニタイズ
	DocumentURL string
}
