// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/noticeman/internal/model"
)

// NoticeRepository は告知レコードの永続化インターフェース。
// 調整エンジンが必要とする操作のみを公開する。全てのミューテーションは
// (operator_code, route, notice_id) をキーとする行単位のアトミック更新であり、
// 異なる事業者パーティションの並行ランはデータベース側で直列化される。
type NoticeRepository interface {
	// ActiveNoticeKeys は指定事業者でアクティブな告知キーのスナップショットを返す。
	// 調整パスの冒頭で1回だけ呼ばれ、「既知のアクティブ集合」のベースラインとなる。
	ActiveNoticeKeys(ctx context.Context, operator model.OperatorCode) ([]model.NoticeKey, error)

	// Exists はアクティブ状態に関係なくレコードの有無を返す。
	// 「完全な新規」と「既知だが非アクティブで再出現」の区別に使用する。
	Exists(ctx context.Context, operator model.OperatorCode, route, noticeID string) (bool, error)

	// Insert は新規告知レコードを作成する。
	// Existsがfalseのキーに対してのみ呼ぶこと。文書取得成功後に呼ばれるため、
	// ダウンロード未完了のメタデータが残ることはない。
	Insert(ctx context.Context, notice *model.Notice) error

	// Touch は既存レコードのlast_seen_atをobservedAtに更新し、is_activeをtrueに戻す。
	// 「アクティブ継続の再確認」と「非アクティブからの再出現」の両方を担う。
	// 同一タイムスタンプでの再呼び出しは実質no-op（冪等）。
	Touch(ctx context.Context, operator model.OperatorCode, route, noticeID string, observedAt time.Time) error

	// Retire はis_activeをfalseにする。冪等。
	Retire(ctx context.Context, operator model.OperatorCode, route, noticeID string) error

	// FindByKey は自然キーで告知を取得する。見つからない場合はnilを返す。
	FindByKey(ctx context.Context, operator model.OperatorCode, route, noticeID string) (*model.Notice, error)

	// ListByOperator は事業者の告知一覧を返す。routeが空でない場合は路線で絞り込む。
	// activeOnlyがtrueの場合はアクティブな告知のみを返す。
	// discovered_at降順で最大limit件を返す。
	ListByOperator(ctx context.Context, operator model.OperatorCode, route string, activeOnly bool, limit int) ([]*model.Notice, error)
}

// RunLedgerRepository はランレジャーの永続化インターフェース。
// 「最後に成功したサイクルのタイムスタンプ」を告知と同じストレージ抽象を通して管理する。
type RunLedgerRepository interface {
	// LastSuccessfulRun は最後に成功したランの記録を返す。
	// 一度も実行されていない場合はnilを返す。
	LastSuccessfulRun(ctx context.Context) (*model.RunRecord, error)

	// RecordRun はランの結果を記録する。成功・失敗を問わず毎サイクル呼ばれる。
	RecordRun(ctx context.Context, record *model.RunRecord) error
}
