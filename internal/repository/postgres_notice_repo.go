package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/noticeman/internal/model"
)

// PostgresNoticeRepo はPostgreSQLを使用した告知リポジトリ。
// ミューテーションは全て自然キーに対する1文のUPDATE/INSERTであり、
// 行単位でアトミックに適用される。
type PostgresNoticeRepo struct {
	db *sql.DB
}

// NewPostgresNoticeRepo はPostgresNoticeRepoを生成する。
func NewPostgresNoticeRepo(db *sql.DB) *PostgresNoticeRepo {
	return &PostgresNoticeRepo{db: db}
}

// ActiveNoticeKeys は指定事業者でアクティブな告知キーのスナップショットを返す。
func (r *PostgresNoticeRepo) ActiveNoticeKeys(ctx context.Context, operator model.OperatorCode) ([]model.NoticeKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT route, notice_id FROM notices
		 WHERE operator_code = $1 AND is_active = TRUE`,
		string(operator),
	)
	if err != nil {
		return nil, &model.StorageFailureError{Op: "activeNoticeKeys", Err: err}
	}
	defer rows.Close()

	var keys []model.NoticeKey
	for rows.Next() {
		var k model.NoticeKey
		if err := rows.Scan(&k.Route, &k.NoticeID); err != nil {
			return nil, &model.StorageFailureError{Op: "activeNoticeKeys", Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageFailureError{Op: "activeNoticeKeys", Err: err}
	}

	return keys, nil
}

// Exists はアクティブ状態に関係なくレコードの有無を返す。
func (r *PostgresNoticeRepo) Exists(ctx context.Context, operator model.OperatorCode, route, noticeID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM notices
		     WHERE operator_code = $1 AND route = $2 AND notice_id = $3
		 )`,
		string(operator), route, noticeID,
	).Scan(&exists)
	if err != nil {
		return false, &model.StorageFailureError{Op: "exists", Err: err}
	}
	return exists, nil
}

// Insert は新規告知レコードを作成する。
// 自然キーのUNIQUE制約により、二重挿入はエラーとして検出される。
func (r *PostgresNoticeRepo) Insert(ctx context.Context, notice *model.Notice) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notices (id, operator_code, route, notice_id, title,
		                      document_url, document_path, is_active,
		                      discovered_at, last_seen_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		notice.ID, string(notice.OperatorCode), notice.Route, notice.NoticeID,
		notice.Title, notice.DocumentURL, notice.DocumentPath, notice.IsActive,
		notice.DiscoveredAt, nullTime(notice.LastSeenAt),
		notice.CreatedAt, notice.UpdatedAt,
	)
	if err != nil {
		return &model.StorageFailureError{Op: "insert", Err: err}
	}
	return nil
}

// Touch は既存レコードのlast_seen_atを更新し、is_activeをtrueに戻す。
// discovered_atは更新しない（不変）。
func (r *PostgresNoticeRepo) Touch(ctx context.Context, operator model.OperatorCode, route, noticeID string, observedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notices SET
		    last_seen_at = $4,
		    is_active = TRUE,
		    updated_at = now()
		 WHERE operator_code = $1 AND route = $2 AND notice_id = $3`,
		string(operator), route, noticeID, observedAt,
	)
	if err != nil {
		return &model.StorageFailureError{Op: "touch", Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &model.StorageFailureError{Op: "touch", Err: err}
	}
	if affected == 0 {
		return &model.StorageFailureError{
			Op:  "touch",
			Err: fmt.Errorf("対象の告知が存在しません (operator=%s route=%s notice_id=%s)", operator, route, noticeID),
		}
	}
	return nil
}

// Retire はis_activeをfalseにする。既にfalseでもエラーにならない（冪等）。
func (r *PostgresNoticeRepo) Retire(ctx context.Context, operator model.OperatorCode, route, noticeID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notices SET
		    is_active = FALSE,
		    updated_at = now()
		 WHERE operator_code = $1 AND route = $2 AND notice_id = $3`,
		string(operator), route, noticeID,
	)
	if err != nil {
		return &model.StorageFailureError{Op: "retire", Err: err}
	}
	return nil
}

// FindByKey は自然キーで告知を取得する。見つからない場合はnilを返す。
func (r *PostgresNoticeRepo) FindByKey(ctx context.Context, operator model.OperatorCode, route, noticeID string) (*model.Notice, error) {
	notice, err := scanNotice(r.db.QueryRowContext(ctx,
		noticeSelectColumns+` FROM notices
		 WHERE operator_code = $1 AND route = $2 AND notice_id = $3`,
		string(operator), route, noticeID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StorageFailureError{Op: "findByKey", Err: err}
	}
	return notice, nil
}

// ListByOperator は事業者の告知一覧をdiscovered_at降順で返す。
func (r *PostgresNoticeRepo) ListByOperator(ctx context.Context, operator model.OperatorCode, route string, activeOnly bool, limit int) ([]*model.Notice, error) {
	query := noticeSelectColumns + ` FROM notices WHERE operator_code = $1`
	args := []any{string(operator)}

	if route != "" {
		args = append(args, route)
		query += fmt.Sprintf(" AND route = $%d", len(args))
	}
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY discovered_at DESC, notice_id LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.StorageFailureError{Op: "listByOperator", Err: err}
	}
	defer rows.Close()

	var notices []*model.Notice
	for rows.Next() {
		notice, err := scanNotice(rows)
		if err != nil {
			return nil, &model.StorageFailureError{Op: "listByOperator", Err: err}
		}
		notices = append(notices, notice)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StorageFailureError{Op: "listByOperator", Err: err}
	}

	return notices, nil
}

// noticeSelectColumns はnoticesテーブルのSELECT句。scanNoticeと対で維持する。
const noticeSelectColumns = `SELECT id, operator_code, route, notice_id, title,
	document_url, document_path, is_active,
	discovered_at, last_seen_at, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanNotice は1行をmodel.Noticeに読み取る。
func scanNotice(row rowScanner) (*model.Notice, error) {
	notice := &model.Notice{}
	var operatorCode string
	var lastSeenAt sql.NullTime

	if err := row.Scan(
		&notice.ID, &operatorCode, &notice.Route, &notice.NoticeID, &notice.Title,
		&notice.DocumentURL, &notice.DocumentPath, &notice.IsActive,
		&notice.DiscoveredAt, &lastSeenAt, &notice.CreatedAt, &notice.UpdatedAt,
	); err != nil {
		return nil, err
	}

	notice.OperatorCode = model.OperatorCode(operatorCode)
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		notice.LastSeenAt = &t
	}

	return notice, nil
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ NoticeRepository = (*PostgresNoticeRepo)(nil)
