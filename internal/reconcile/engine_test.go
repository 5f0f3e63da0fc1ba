package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/noticeman/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// --- モック ---

// mockNoticeRepo はNoticeRepositoryのテスト用インメモリ実装。
// (route, noticeID) をキーにレコードを保持する。
type mockNoticeRepo struct {
	records map[model.NoticeKey]*model.Notice

	existsErr error
	insertErr error
	touchErr  error
	retireErr error

	insertCalls []model.NoticeKey
	touchCalls  []model.NoticeKey
	retireCalls []model.NoticeKey
}

func newMockNoticeRepo() *mockNoticeRepo {
	return &mockNoticeRepo{records: make(map[model.NoticeKey]*model.Notice)}
}

func (m *mockNoticeRepo) seed(n *model.Notice) {
	m.records[model.NoticeKey{Route: n.Route, NoticeID: n.NoticeID}] = n
}

func (m *mockNoticeRepo) ActiveNoticeKeys(_ context.Context, _ model.OperatorCode) ([]model.NoticeKey, error) {
	var keys []model.NoticeKey
	for key, n := range m.records {
		if n.IsActive {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *mockNoticeRepo) Exists(_ context.Context, _ model.OperatorCode, route, noticeID string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.records[model.NoticeKey{Route: route, NoticeID: noticeID}]
	return ok, nil
}

func (m *mockNoticeRepo) Insert(_ context.Context, notice *model.Notice) error {
	key := model.NoticeKey{Route: notice.Route, NoticeID: notice.NoticeID}
	m.insertCalls = append(m.insertCalls, key)
	if m.insertErr != nil {
		return m.insertErr
	}
	m.records[key] = notice
	return nil
}

func (m *mockNoticeRepo) Touch(_ context.Context, _ model.OperatorCode, route, noticeID string, observedAt time.Time) error {
	key := model.NoticeKey{Route: route, NoticeID: noticeID}
	m.touchCalls = append(m.touchCalls, key)
	if m.touchErr != nil {
		return m.touchErr
	}
	n := m.records[key]
	n.IsActive = true
	t := observedAt
	n.LastSeenAt = &t
	return nil
}

func (m *mockNoticeRepo) Retire(_ context.Context, _ model.OperatorCode, route, noticeID string) error {
	key := model.NoticeKey{Route: route, NoticeID: noticeID}
	m.retireCalls = append(m.retireCalls, key)
	if m.retireErr != nil {
		return m.retireErr
	}
	if n, ok := m.records[key]; ok {
		n.IsActive = false
	}
	return nil
}

func (m *mockNoticeRepo) FindByKey(_ context.Context, _ model.OperatorCode, route, noticeID string) (*model.Notice, error) {
	return m.records[model.NoticeKey{Route: route, NoticeID: noticeID}], nil
}

func (m *mockNoticeRepo) ListByOperator(_ context.Context, _ model.OperatorCode, _ string, _ bool, _ int) ([]*model.Notice, error) {
	return nil, nil
}

// mockFetcher はFetcherServiceのテスト用モック。
type mockFetcher struct {
	body    []byte
	err     error
	failURL string // このURLのみ失敗させる。空の場合は全URLにerrを適用。
	calls   []string
}

func (m *mockFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	m.calls = append(m.calls, url)
	if m.failURL != "" {
		if url == m.failURL {
			return nil, &model.DownloadFailedError{URL: url, StatusCode: 404}
		}
		return m.body, nil
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.body, nil
}

// mockStore はStoreServiceのテスト用モック。
type mockStore struct {
	err   error
	calls []string
}

func (m *mockStore) Persist(operator model.OperatorCode, route, noticeID string, _ []byte, observedAt time.Time) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	path := fmt.Sprintf("%s/%s/%s/%s/%s.pdf",
		operator, route, observedAt.Format("2006"), observedAt.Format("01"), noticeID)
	m.calls = append(m.calls, path)
	return path, nil
}

// mockSanitizer はTitleSanitizerServiceのテスト用モック。
type mockSanitizer struct{}

func (m *mockSanitizer) Sanitize(raw string) string { return raw }

// mockCollector はMetricsCollectorのテスト用no-op実装。
type mockCollector struct {
	operatorFailures int
	routeFailures    int
}

func (m *mockCollector) RecordCycle(time.Duration)         {}
func (m *mockCollector) RecordCycleFailure()               {}
func (m *mockCollector) RecordOperatorFailure(string)      { m.operatorFailures++ }
func (m *mockCollector) RecordRouteFailure(string)         { m.routeFailures++ }
func (m *mockCollector) RecordSourceFailure(string)        {}
func (m *mockCollector) RecordDownloadFailure(string)      {}
func (m *mockCollector) RecordNoticesInserted(string, int) {}
func (m *mockCollector) RecordNoticesTouched(string, int)  {}
func (m *mockCollector) RecordNoticesRetired(string, int)  {}

// mockSource はSourceのテスト用モック。
type mockSource struct {
	routes     []model.RouteRef
	routesErr  error
	notices    map[string][]model.NormalizedNotice // route -> notices
	noticeErrs map[string]error                    // route -> error
}

func (m *mockSource) Operator() model.Operator {
	return model.Operator{Name: "テスト事業者", Code: model.OperatorKMB}
}

func (m *mockSource) ListRoutes(_ context.Context) ([]model.RouteRef, error) {
	if m.routesErr != nil {
		return nil, m.routesErr
	}
	return m.routes, nil
}

func (m *mockSource) ListNotices(_ context.Context, route model.RouteRef) ([]model.NormalizedNotice, error) {
	if err, ok := m.noticeErrs[route.Route]; ok {
		return nil, err
	}
	return m.notices[route.Route], nil
}

// --- テストヘルパー ---

func newTestEngine(repo *mockNoticeRepo, fetcher *mockFetcher, store *mockStore) *Engine {
	var buf bytes.Buffer
	return NewEngine(repo, fetcher, store, &mockSanitizer{}, &mockCollector{}, newTestLogger(&buf))
}

func activeNotice(route, noticeID string) *model.Notice {
	return &model.Notice{
		ID:           "seed-" + route + "-" + noticeID,
		OperatorCode: model.OperatorKMB,
		Route:        route,
		NoticeID:     noticeID,
		DocumentURL:  "https://example.com/notice/" + noticeID,
		DocumentPath: "KMB/" + route + "/2026/01/" + noticeID + ".pdf",
		IsActive:     true,
		DiscoveredAt: time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC),
	}
}

var testNow = time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC)

// --- 調整パスのテスト ---

func TestEngine_Run_InsertsNewNotices(t *testing.T) {
	repo := newMockNoticeRepo()
	fetcher := &mockFetcher{body: []byte("%PDF-1.4")}
	store := &mockStore{}
	engine := newTestEngine(repo, fetcher, store)

	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {
				{ID: "n100.pdf", Title: "運行変更のお知らせ", DocumentURL: "https://example.com/notice/n100.pdf"},
			},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	if stats.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", stats.Inserted)
	}
	key := model.NoticeKey{Route: "1A", NoticeID: "n100.pdf"}
	n := repo.records[key]
	if n == nil {
		t.Fatal("新規告知がレコードとして登録されていない")
	}
	if !n.IsActive {
		t.Error("新規告知は is_active=true で登録されなければならない")
	}
	if !n.DiscoveredAt.Equal(testNow) {
		t.Errorf("DiscoveredAt = %v, want %v", n.DiscoveredAt, testNow)
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("文書ダウンロードは1回でなければならない: %d回", len(fetcher.calls))
	}
}

func TestEngine_Run_TouchesKnownNotices(t *testing.T) {
	repo := newMockNoticeRepo()
	repo.seed(activeNotice("1A", "n100.pdf"))
	fetcher := &mockFetcher{body: []byte("%PDF-1.4")}
	engine := newTestEngine(repo, fetcher, &mockStore{})

	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"}},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	if stats.Touched != 1 {
		t.Errorf("Touched = %d, want 1", stats.Touched)
	}
	if stats.Inserted != 0 {
		t.Errorf("既知の告知が再登録されてはならない: Inserted = %d", stats.Inserted)
	}
	// 既知の告知は文書を再ダウンロードしない
	if len(fetcher.calls) != 0 {
		t.Errorf("既知の告知の文書を再ダウンロードしてはならない: %d回", len(fetcher.calls))
	}
	key := model.NoticeKey{Route: "1A", NoticeID: "n100.pdf"}
	if n := repo.records[key]; n.LastSeenAt == nil || !n.LastSeenAt.Equal(testNow) {
		t.Error("Touch は last_seen_at をランのタイムスタンプに更新しなければならない")
	}
}

func TestEngine_Run_RetiresAbsentNotices(t *testing.T) {
	repo := newMockNoticeRepo()
	repo.seed(activeNotice("1A", "n100.pdf"))
	repo.seed(activeNotice("1A", "n200.pdf"))
	engine := newTestEngine(repo, &mockFetcher{body: []byte("x")}, &mockStore{})

	// n200 はソースから消失
	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"}},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	if stats.Retired != 1 {
		t.Errorf("Retired = %d, want 1", stats.Retired)
	}
	if repo.records[model.NoticeKey{Route: "1A", NoticeID: "n200.pdf"}].IsActive {
		t.Error("消失した告知は is_active=false にならなければならない")
	}
	if !repo.records[model.NoticeKey{Route: "1A", NoticeID: "n100.pdf"}].IsActive {
		t.Error("観測された告知はアクティブのままでなければならない")
	}
}

func TestEngine_Run_ReappearanceReactivatesWithoutRedownload(t *testing.T) {
	repo := newMockNoticeRepo()
	retired := activeNotice("1A", "n100.pdf")
	retired.IsActive = false
	repo.seed(retired)
	fetcher := &mockFetcher{body: []byte("x")}
	engine := newTestEngine(repo, fetcher, &mockStore{})

	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"}},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	if stats.Touched != 1 || stats.Inserted != 0 {
		t.Errorf("再出現は touch で処理されなければならない: Touched=%d Inserted=%d", stats.Touched, stats.Inserted)
	}
	n := repo.records[model.NoticeKey{Route: "1A", NoticeID: "n100.pdf"}]
	if !n.IsActive {
		t.Error("再出現した告知は is_active=true に戻らなければならない")
	}
	if len(fetcher.calls) != 0 {
		t.Error("再出現した告知の文書を再ダウンロードしてはならない")
	}
}

func TestEngine_Run_IdempotentSecondPass(t *testing.T) {
	repo := newMockNoticeRepo()
	fetcher := &mockFetcher{body: []byte("x")}
	engine := newTestEngine(repo, fetcher, &mockStore{})

	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"}},
		},
	}

	if _, err := engine.Run(context.Background(), src, 0, testNow); err != nil {
		t.Fatalf("1回目の Run が失敗した: %v", err)
	}
	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("2回目の Run が失敗した: %v", err)
	}

	if stats.Inserted != 0 || stats.Retired != 0 {
		t.Errorf("同一入力の再実行で状態変化が発生してはならない: Inserted=%d Retired=%d", stats.Inserted, stats.Retired)
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("文書ダウンロードは全体で1回でなければならない: %d回", len(fetcher.calls))
	}
}

func TestEngine_Run_DownloadFailureLeavesNoRecord(t *testing.T) {
	repo := newMockNoticeRepo()
	fetcher := &mockFetcher{
		body:    []byte("x"),
		failURL: "https://example.com/notice/broken.pdf",
	}
	engine := newTestEngine(repo, fetcher, &mockStore{})

	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {
				{ID: "broken.pdf", DocumentURL: "https://example.com/notice/broken.pdf"},
				{ID: "ok.pdf", DocumentURL: "https://example.com/notice/ok.pdf"},
			},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	// ダウンロード失敗の告知はメタデータを残さない（孤児メタデータの禁止）
	if _, ok := repo.records[model.NoticeKey{Route: "1A", NoticeID: "broken.pdf"}]; ok {
		t.Error("ダウンロード失敗の告知はレコードを残してはならない")
	}
	if stats.Inserted != 1 {
		t.Errorf("他の告知の処理は継続されなければならない: Inserted = %d", stats.Inserted)
	}
	if stats.NoticeFailures != 1 {
		t.Errorf("NoticeFailures = %d, want 1", stats.NoticeFailures)
	}
}

func TestEngine_Run_RouteFailureDoesNotRetireItsNotices(t *testing.T) {
	repo := newMockNoticeRepo()
	repo.seed(activeNotice("1A", "n100.pdf"))
	repo.seed(activeNotice("6C", "n300.pdf"))
	engine := newTestEngine(repo, &mockFetcher{body: []byte("x")}, &mockStore{})

	// 6C の告知取得は失敗。1A は正常だが n100 は消失。
	src := &mockSource{
		routes: []model.RouteRef{
			{Route: "1A", Bound: "O"},
			{Route: "6C", Bound: "O"},
		},
		notices: map[string][]model.NormalizedNotice{"1A": {}},
		noticeErrs: map[string]error{
			"6C": &model.SourceUnavailableError{Operator: model.OperatorKMB, Route: "6C", Err: errors.New("timeout")},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("路線単位の失敗でランが中断してはならない: %v", err)
	}

	if stats.RoutesSkipped != 1 {
		t.Errorf("RoutesSkipped = %d, want 1", stats.RoutesSkipped)
	}
	// 取得失敗路線の告知は不在と判定できないためリタイアされない
	if !repo.records[model.NoticeKey{Route: "6C", NoticeID: "n300.pdf"}].IsActive {
		t.Error("取得に失敗した路線の告知をリタイアしてはならない")
	}
	// 正常に走査された路線の消失告知はリタイアされる
	if repo.records[model.NoticeKey{Route: "1A", NoticeID: "n100.pdf"}].IsActive {
		t.Error("走査済み路線で消失した告知はリタイアされなければならない")
	}
}

func TestEngine_Run_RouteLimitExcludesOutsideRoutesFromRetirement(t *testing.T) {
	repo := newMockNoticeRepo()
	repo.seed(activeNotice("1A", "n100.pdf"))
	repo.seed(activeNotice("6C", "n300.pdf"))
	engine := newTestEngine(repo, &mockFetcher{body: []byte("x")}, &mockStore{})

	src := &mockSource{
		routes: []model.RouteRef{
			{Route: "1A", Bound: "O"},
			{Route: "6C", Bound: "O"},
		},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"}},
			"6C": {{ID: "n300.pdf", DocumentURL: "https://example.com/notice/n300.pdf"}},
		},
	}

	// 上限1: 1A のみ走査される
	stats, err := engine.Run(context.Background(), src, 1, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	if stats.Routes != 1 {
		t.Errorf("Routes = %d, want 1", stats.Routes)
	}
	// 上限外の路線の告知は当該ランの影響を受けない
	if !repo.records[model.NoticeKey{Route: "6C", NoticeID: "n300.pdf"}].IsActive {
		t.Error("上限外の路線の告知をリタイアしてはならない")
	}
}

func TestEngine_Run_RouteCatalogFailureAbortsRun(t *testing.T) {
	repo := newMockNoticeRepo()
	repo.seed(activeNotice("1A", "n100.pdf"))
	engine := newTestEngine(repo, &mockFetcher{}, &mockStore{})

	src := &mockSource{
		routesErr: &model.SourceUnavailableError{Operator: model.OperatorKMB, Err: errors.New("503")},
	}

	_, err := engine.Run(context.Background(), src, 0, testNow)
	if err == nil {
		t.Fatal("路線カタログ取得失敗時はエラーを返さなければならない")
	}
	if !IsSourceUnavailable(err) {
		t.Errorf("エラーは SourceUnavailableError でなければならない: %v", err)
	}
	// 既存状態には一切触れない
	if len(repo.retireCalls) != 0 || len(repo.insertCalls) != 0 || len(repo.touchCalls) != 0 {
		t.Error("カタログ取得失敗時に永続化状態を変更してはならない")
	}
}

func TestEngine_Run_InsertFailureKeepsNoticeOutOfSeen(t *testing.T) {
	repo := newMockNoticeRepo()
	repo.insertErr = &model.StorageFailureError{Op: "insert", Err: errors.New("connection reset")}
	engine := newTestEngine(repo, &mockFetcher{body: []byte("x")}, &mockStore{})

	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"}},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("告知単位の失敗でランが中断してはならない: %v", err)
	}

	if stats.Inserted != 0 {
		t.Errorf("Inserted = %d, want 0", stats.Inserted)
	}
	if stats.NoticeFailures != 1 {
		t.Errorf("NoticeFailures = %d, want 1", stats.NoticeFailures)
	}
}

func TestEngine_Run_TouchFailureDoesNotRetireReportedNotice(t *testing.T) {
	repo := newMockNoticeRepo()
	repo.seed(activeNotice("1A", "n100.pdf"))
	repo.touchErr = &model.StorageFailureError{Op: "touch", Err: errors.New("deadlock detected")}
	engine := newTestEngine(repo, &mockFetcher{body: []byte("x")}, &mockStore{})

	// ソースは n100 を依然報告している
	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"}},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("告知単位の失敗でランが中断してはならない: %v", err)
	}

	// touchに失敗した告知は不在ではないためリタイアしない
	if len(repo.retireCalls) != 0 {
		t.Errorf("touch失敗の告知をリタイアしてはならない: %v", repo.retireCalls)
	}
	if !repo.records[model.NoticeKey{Route: "1A", NoticeID: "n100.pdf"}].IsActive {
		t.Error("touch失敗の告知はアクティブのままでなければならない")
	}
	if stats.NoticeFailures != 1 {
		t.Errorf("NoticeFailures = %d, want 1", stats.NoticeFailures)
	}
}

func TestEngine_Run_DuplicateNoticeAppliedOnce(t *testing.T) {
	repo := newMockNoticeRepo()
	fetcher := &mockFetcher{body: []byte("x")}
	engine := newTestEngine(repo, fetcher, &mockStore{})

	// 同一告知がソースから2回報告される
	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {
				{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"},
				{ID: "n100.pdf", DocumentURL: "https://example.com/notice/n100.pdf"},
			},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}

	if stats.Inserted != 1 {
		t.Errorf("重複報告された告知は1回のみ適用されなければならない: Inserted = %d", stats.Inserted)
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("文書ダウンロードは1回でなければならない: %d回", len(fetcher.calls))
	}
}

func TestEngine_Run_EmptyIDSkipped(t *testing.T) {
	repo := newMockNoticeRepo()
	engine := newTestEngine(repo, &mockFetcher{body: []byte("x")}, &mockStore{})

	src := &mockSource{
		routes: []model.RouteRef{{Route: "1A", Bound: "O"}},
		notices: map[string][]model.NormalizedNotice{
			"1A": {{ID: "", DocumentURL: "https://example.com/notice/"}},
		},
	}

	stats, err := engine.Run(context.Background(), src, 0, testNow)
	if err != nil {
		t.Fatalf("Run はエラーを返してはならない: %v", err)
	}
	if stats.Inserted != 0 {
		t.Errorf("IDが空の告知は無視されなければならない: Inserted = %d", stats.Inserted)
	}
}
