package repository

import (
	"testing"
)

// PostgresRunLedgerRepoはRunLedgerRepositoryインターフェースを満たすことを検証
func TestPostgresRunLedgerRepo_ImplementsInterface(t *testing.T) {
	var _ RunLedgerRepository = (*PostgresRunLedgerRepo)(nil)
}

// NewPostgresRunLedgerRepoが正しく初期化されることを検証
func TestNewPostgresRunLedgerRepo_Initializes(t *testing.T) {
	repo := NewPostgresRunLedgerRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}
