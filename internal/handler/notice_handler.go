// Package handler は管理APIのHTTPハンドラーを提供する。
// 調整済みの告知状態を読み取り専用で公開する。書き込み系のエンドポイントはない。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/noticeman/internal/model"
)

// defaultNoticesPerPage は告知一覧の1回の取得件数（デフォルト）。
const defaultNoticesPerPage = 100

// maxNoticesPerPage は告知一覧の1回の取得件数の上限。
const maxNoticesPerPage = 500

// NoticeQueryInterface は告知ハンドラーが必要とする読み取り操作のインターフェース。
type NoticeQueryInterface interface {
	// ListByOperator は事業者の告知一覧を返す。routeが空でない場合は路線で絞り込む。
	ListByOperator(ctx context.Context, operator model.OperatorCode, route string, activeOnly bool, limit int) ([]*model.Notice, error)
	// FindByKey は自然キーで告知を取得する。見つからない場合はnilを返す。
	FindByKey(ctx context.Context, operator model.OperatorCode, route, noticeID string) (*model.Notice, error)
}

// NoticeHandler は告知照会のHTTPハンドラー。
type NoticeHandler struct {
	notices   NoticeQueryInterface
	operators map[model.OperatorCode]struct{}
}

// NewNoticeHandler はNoticeHandlerを生成する。
// operatorsは設定ファイルに登録されている事業者コードの一覧。
func NewNoticeHandler(notices NoticeQueryInterface, operators []model.OperatorCode) *NoticeHandler {
	known := make(map[model.OperatorCode]struct{}, len(operators))
	for _, code := range operators {
		known[code] = struct{}{}
	}
	return &NoticeHandler{
		notices:   notices,
		operators: known,
	}
}

// --- レスポンス型 ---

// noticeResponse は告知1件のレスポンス。
type noticeResponse struct {
	ID           string     `json:"id"`
	OperatorCode string     `json:"operator_code"`
	Route        string     `json:"route"`
	NoticeID     string     `json:"notice_id"`
	Title        string     `json:"title,omitempty"`
	DocumentURL  string     `json:"document_url"`
	DocumentPath string     `json:"document_path"`
	IsActive     bool       `json:"is_active"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

// noticeListResponse は告知一覧のレスポンス。
type noticeListResponse struct {
	Operator string           `json:"operator"`
	Count    int              `json:"count"`
	Notices  []noticeResponse `json:"notices"`
}

// apiErrorResponse はエラーレスポンスのボディ。
type apiErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListNotices は事業者の告知一覧を取得する。
// GET /api/operators/{code}/notices?route=xxx&active=true|false&limit=n
func (h *NoticeHandler) ListNotices(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.resolveOperator(w, r)
	if !ok {
		return
	}

	route := r.URL.Query().Get("route")

	// デフォルトはアクティブな告知のみ
	activeOnly := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:    model.ErrCodeInvalidRequest,
				Message: "activはtrueまたはfalseを指定してください。",
			})
			return
		}
		activeOnly = parsed
	}

	limit := defaultNoticesPerPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:    model.ErrCodeInvalidRequest,
				Message: "limitは正の整数を指定してください。",
			})
			return
		}
		if parsed > maxNoticesPerPage {
			parsed = maxNoticesPerPage
		}
		limit = parsed
	}

	notices, err := h.notices.ListByOperator(r.Context(), operator, route, activeOnly, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := noticeListResponse{
		Operator: string(operator),
		Count:    len(notices),
		Notices:  make([]noticeResponse, 0, len(notices)),
	}
	for _, n := range notices {
		resp.Notices = append(resp.Notices, toNoticeResponse(n))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetNotice は自然キーで告知1件を取得する。
// GET /api/operators/{code}/notices/{route}/{noticeID}
func (h *NoticeHandler) GetNotice(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.resolveOperator(w, r)
	if !ok {
		return
	}

	route := chi.URLParam(r, "route")
	noticeID := chi.URLParam(r, "noticeID")

	notice, err := h.notices.FindByKey(r.Context(), operator, route, noticeID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if notice == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNoticeNotFoundError(route, noticeID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toNoticeResponse(notice))
}

// resolveOperator はパスパラメータの事業者コードを検証する。
// 未登録の事業者の場合は404を書き込みfalseを返す。
func (h *NoticeHandler) resolveOperator(w http.ResponseWriter, r *http.Request) (model.OperatorCode, bool) {
	code := model.OperatorCode(chi.URLParam(r, "code"))
	if _, known := h.operators[code]; !known {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:    model.ErrCodeOperatorNotFound,
			Message: "指定された事業者が見つかりません: " + string(code),
		})
		return "", false
	}
	return code, true
}

// --- ヘルパー関数 ---

// toNoticeResponse はmodel.NoticeからAPIレスポンスに変換する。
func toNoticeResponse(n *model.Notice) noticeResponse {
	return noticeResponse{
		ID:           n.ID,
		OperatorCode: string(n.OperatorCode),
		Route:        n.Route,
		NoticeID:     n.NoticeID,
		Title:        n.Title,
		DocumentURL:  n.DocumentURL,
		DocumentPath: n.DocumentPath,
		IsActive:     n.IsActive,
		DiscoveredAt: n.DiscoveredAt,
		LastSeenAt:   n.LastSeenAt,
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:    apiErr.Code,
		Message: apiErr.Message,
	})
}

// handleServiceError はリポジトリ層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:    "INTERNAL_ERROR",
		Message: "内部エラーが発生しました。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeOperatorNotFound, model.ErrCodeNoticeNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
