package document

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/noticeman/internal/model"
)

// StoreService は文書のディスク保存インターフェース。
type StoreService interface {
	// Persist は文書を決定的なパスに書き込み、ルートからの相対パスを返す。
	// 同一の (operator, route, noticeID, observedAt) に対して常に同一パスを計算する。
	// 既存ファイルの上書きは許容される（再取得は冪等）。
	Persist(operator model.OperatorCode, route, noticeID string, data []byte, observedAt time.Time) (string, error)
}

// FSStore はローカルファイルシステムに文書を保存する実装。
// レイアウト: <root>/<operatorCode>/<route>/<year>/<month>/<noticeID>[.pdf]
// 一度書かれたファイルをこのシステムが削除することはない。
type FSStore struct {
	root string // ドキュメントルートの絶対パス
}

// NewFSStore は指定ディレクトリをルートとするFSStoreを生成する。
// ディレクトリが存在しない場合は作成する。
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("document: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("document: create root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// Persist は文書を書き込み、ルートからの相対パスを返す。
func (s *FSStore) Persist(operator model.OperatorCode, route, noticeID string, data []byte, observedAt time.Time) (string, error) {
	rel, err := s.relPath(operator, route, noticeID, observedAt)
	if err != nil {
		return "", err
	}

	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	// ルート外への書き込みを拒否する（ディレクトリトラバーサル対策）
	if !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("document: path escapes document root: %s", rel)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("document: create directories: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("document: write file: %w", err)
	}

	return rel, nil
}

// relPath は決定的な保存先相対パスを計算する（スラッシュ区切り）。
// .pdf拡張子の付与は検証の後に行う。先に付与すると ".." や "" が
// "...pdf" / ".pdf" になり、相対参照・空要素の拒否をすり抜けてしまう。
func (s *FSStore) relPath(operator model.OperatorCode, route, noticeID string, observedAt time.Time) (string, error) {
	op, err := sanitizeComponent(string(operator))
	if err != nil {
		return "", err
	}
	rt, err := sanitizeComponent(route)
	if err != nil {
		return "", err
	}
	filename, err := sanitizeComponent(noticeID)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		filename += ".pdf"
	}

	parts := []string{
		op,
		rt,
		observedAt.Format("2006"),
		observedAt.Format("01"),
		filename,
	}

	return strings.Join(parts, "/"), nil
}

// sanitizeComponent はパス構成要素を検証・正規化する。
// 路線名や告知IDはリモート由来のため、区切り文字と相対参照を拒否する。
func sanitizeComponent(p string) (string, error) {
	cleaned := strings.TrimSpace(p)
	if cleaned == "" {
		return "", fmt.Errorf("document: empty path component")
	}
	if cleaned == "." || cleaned == ".." {
		return "", fmt.Errorf("document: invalid path component: %s", p)
	}
	if strings.ContainsAny(cleaned, `/\`) {
		return "", fmt.Errorf("document: path separator in component: %s", p)
	}
	return cleaned, nil
}

// compile-time interface check
var _ StoreService = (*FSStore)(nil)
