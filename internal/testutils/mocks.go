package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/koopa0/note-stats/internal"
)

// MockStore 實作 internal.Store 介面的 mock
//
// 以 map 模擬持久層，帶呼叫計數與錯誤注入，
// 用於驗證對帳策略鏈在各種失敗下的走向。
type MockStore struct {
	mu    sync.RWMutex
	rows  map[int64]internal.StatsRow
	comps []internal.CompensationRecord

	// 記錄呼叫次數
	GetCalls       atomic.Int32
	InsertCalls    atomic.Int32
	UpdateCalls    atomic.Int32
	IncrementCalls atomic.Int32
	CompCalls      atomic.Int32

	// 錯誤注入
	FailInsert       error
	FailUpdate       error
	FailIncrement    error
	FailGet          error
	FailCompensation error

	// 強制 IncrementByDeltas 返回 0 行（模擬行被併發刪除）
	IncrementAffectsZero bool
}

// NewMockStore 創建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		rows: make(map[int64]internal.StatsRow),
	}
}

// Seed 預置一行資料
func (m *MockStore) Seed(row internal.StatsRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.NoteID] = row
}

// Row 讀取當前資料（測試斷言用）
func (m *MockStore) Row(noteID int64) (internal.StatsRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[noteID]
	return row, ok
}

// Compensations 返回已寫入的補償記錄
func (m *MockStore) Compensations() []internal.CompensationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]internal.CompensationRecord, len(m.comps))
	copy(out, m.comps)
	return out
}

// GetByID 實作 Store.GetByID
func (m *MockStore) GetByID(ctx context.Context, noteID int64) (*internal.StatsRow, error) {
	m.GetCalls.Add(1)

	if m.FailGet != nil {
		return nil, m.FailGet
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[noteID]
	if !ok {
		return nil, internal.ErrNotFound
	}
	out := row
	return &out, nil
}

// Insert 實作 Store.Insert
func (m *MockStore) Insert(ctx context.Context, row *internal.StatsRow) error {
	m.InsertCalls.Add(1)

	if m.FailInsert != nil {
		return m.FailInsert
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[row.NoteID]; exists {
		return errDuplicateKey
	}
	m.rows[row.NoteID] = *row
	return nil
}

// UpdateTotalsIfVersion 實作 Store.UpdateTotalsIfVersion
func (m *MockStore) UpdateTotalsIfVersion(ctx context.Context, row *internal.StatsRow) (int64, error) {
	m.UpdateCalls.Add(1)

	if m.FailUpdate != nil {
		return 0, m.FailUpdate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rows[row.NoteID]
	if !ok || current.Version != row.Version {
		return 0, nil
	}

	updated := *row
	updated.Version = current.Version + 1
	m.rows[row.NoteID] = updated
	return 1, nil
}

// IncrementByDeltas 實作 Store.IncrementByDeltas
func (m *MockStore) IncrementByDeltas(ctx context.Context, deltas *internal.StatsRow) (int64, error) {
	m.IncrementCalls.Add(1)

	if m.FailIncrement != nil {
		return 0, m.FailIncrement
	}
	if m.IncrementAffectsZero {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rows[deltas.NoteID]
	if !ok {
		return 0, nil
	}

	current.Views += deltas.Views
	current.Likes += deltas.Likes
	current.Favorites += deltas.Favorites
	current.Comments += deltas.Comments
	current.LastActivityAt = deltas.LastActivityAt
	current.Version++
	m.rows[deltas.NoteID] = current
	return 1, nil
}

// GetRecentUpdated 實作 Store.GetRecentUpdated
func (m *MockStore) GetRecentUpdated(ctx context.Context, n int) ([]internal.StatsRow, error) {
	if m.FailGet != nil {
		return nil, m.FailGet
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []internal.StatsRow
	for _, row := range m.rows {
		result = append(result, row)
		if len(result) >= n {
			break
		}
	}
	return result, nil
}

// InsertCompensation 實作 Store.InsertCompensation
func (m *MockStore) InsertCompensation(ctx context.Context, rec *internal.CompensationRecord) error {
	m.CompCalls.Add(1)

	if m.FailCompensation != nil {
		return m.FailCompensation
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.comps = append(m.comps, *rec)
	return nil
}

var errDuplicateKey = &duplicateKeyError{}

type duplicateKeyError struct{}

func (e *duplicateKeyError) Error() string {
	return "duplicate key value violates unique constraint"
}

// MockPublisher 實作 internal.Publisher 介面的 mock
type MockPublisher struct {
	mu       sync.Mutex
	messages [][]byte
	subjects []string

	PublishCalls atomic.Int32
	FailPublish  error

	// 只讓第 n 次（從 1 起算）發佈失敗，0 表示不注入
	FailOnCall int32
}

// NewMockPublisher 創建新的 MockPublisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish 實作 Publisher.Publish
func (m *MockPublisher) Publish(subject string, data []byte) error {
	call := m.PublishCalls.Add(1)

	if m.FailPublish != nil && (m.FailOnCall == 0 || m.FailOnCall == call) {
		return m.FailPublish
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.messages = append(m.messages, cp)
	m.subjects = append(m.subjects, subject)
	return nil
}

// Messages 返回已發佈的 payload
func (m *MockPublisher) Messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.messages))
	copy(out, m.messages)
	return out
}

// Subjects 返回已發佈的主題
func (m *MockPublisher) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subjects))
	copy(out, m.subjects)
	return out
}
