// Package model はドメインモデルを定義する。
package model

import "fmt"

// SourceUnavailableError はソースからの取得失敗を表す。
// ルートカタログの取得失敗は当該事業者のラン全体を中断させ、
// 路線単位の告知取得失敗はその路線のみスキップされる（呼び出し側で判断する）。
type SourceUnavailableError struct {
	Operator OperatorCode
	Route    string // ルートカタログ取得失敗の場合は空
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *SourceUnavailableError) Error() string {
	if e.Route == "" {
		return fmt.Sprintf("ソースが利用できません (operator=%s): %v", e.Operator, e.Err)
	}
	return fmt.Sprintf("ソースが利用できません (operator=%s route=%s): %v", e.Operator, e.Route, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// DownloadFailedError は告知文書本体の取得失敗を表す。
// この告知のみスキップされ、メタデータは永続化されない。
type DownloadFailedError struct {
	URL        string
	StatusCode int // HTTP以前の失敗の場合は0
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *DownloadFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("文書のダウンロードに失敗しました (url=%s status=%d)", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("文書のダウンロードに失敗しました (url=%s): %v", e.URL, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *DownloadFailedError) Unwrap() error { return e.Err }

// APIError は管理APIの統一エラーフォーマットを表す。
type APIError struct {
	Code    string // エラーコード
	Message string // エラーメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeOperatorNotFound = "OPERATOR_NOT_FOUND"
	ErrCodeNoticeNotFound   = "NOTICE_NOT_FOUND"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
)

// NewNoticeNotFoundError は告知未検出エラーを生成する。
func NewNoticeNotFoundError(route, noticeID string) *APIError {
	return &APIError{
		Code:    ErrCodeNoticeNotFound,
		Message: fmt.Sprintf("指定された告知が見つかりません: %s/%s", route, noticeID),
	}
}

// StorageFailureError は永続化状態の読み書き失敗を表す。
// ミューテーション呼び出し元に伝播され、engineはseen集合を更新しない。
type StorageFailureError struct {
	Op  string // 失敗した操作名（insert, touch, retire等）
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StorageFailureError) Error() string {
	return fmt.Sprintf("ストレージ操作に失敗しました (op=%s): %v", e.Op, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *StorageFailureError) Unwrap() error { return e.Err }
