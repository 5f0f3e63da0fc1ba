package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/noticeman/internal/model"
)

// PostgresRunLedgerRepo はPostgreSQLを使用したランレジャーリポジトリ。
type PostgresRunLedgerRepo struct {
	db *sql.DB
}

// NewPostgresRunLedgerRepo はPostgresRunLedgerRepoを生成する。
func NewPostgresRunLedgerRepo(db *sql.DB) *PostgresRunLedgerRepo {
	return &PostgresRunLedgerRepo{db: db}
}

// LastSuccessfulRun は最後に成功したランの記録を返す。
// 一度も成功していない場合はnilを返す（未実行として扱う）。
func (r *PostgresRunLedgerRepo) LastSuccessfulRun(ctx context.Context) (*model.RunRecord, error) {
	record := &model.RunRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, ran_at, succeeded, operators, inserted, touched, retired,
		        error_message, created_at
		 FROM run_ledger
		 WHERE succeeded = TRUE
		 ORDER BY ran_at DESC
		 LIMIT 1`,
	).Scan(
		&record.ID, &record.RanAt, &record.Succeeded,
		&record.Operators, &record.Inserted, &record.Touched, &record.Retired,
		&record.ErrorMessage, &record.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StorageFailureError{Op: "lastSuccessfulRun", Err: err}
	}
	return record, nil
}

// RecordRun はランの結果を記録する。
func (r *PostgresRunLedgerRepo) RecordRun(ctx context.Context, record *model.RunRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO run_ledger (id, ran_at, succeeded, operators, inserted,
		                         touched, retired, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.RanAt, record.Succeeded,
		record.Operators, record.Inserted, record.Touched, record.Retired,
		record.ErrorMessage, record.CreatedAt,
	)
	if err != nil {
		return &model.StorageFailureError{Op: "recordRun", Err: err}
	}
	return nil
}

// compile-time interface check
var _ RunLedgerRepository = (*PostgresRunLedgerRepo)(nil)
