package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StatsRow 持久層的筆記統計行
//
// version 單調遞增，僅由 Reconciler 透過條件式更新推進，
// 作為樂觀併發控制的依據。
type StatsRow struct {
	NoteID         int64
	Views          int64
	Likes          int64
	Favorites      int64
	Comments       int64
	LastActivityAt time.Time
	Version        int64
}

// CompensationRecord 補償台帳的一筆記錄
//
// NoteID 為 0 表示訊息中的 note_id 無法解析（哨兵值，需人工處理）。
// 重試與升級由外部作業負責，本服務只寫入 PENDING。
type CompensationRecord struct {
	NoteID         int64
	Views          int64
	Likes          int64
	Favorites      int64
	Comments       int64
	LastActivityAt time.Time
	Status         string
	RetryCount     int32
}

// CompensationStatusPending 補償記錄初始狀態
const CompensationStatusPending = "PENDING"

// ErrNotFound 查無資料
var ErrNotFound = errors.New("note stats not found")

// Store 持久層存取介面
//
// 所有帶守衛條件的變更（version 檢查、行存在檢查）都必須在
// 資料庫端以單一條件式語句完成，不允許應用層 read-then-write，
// 否則無法關閉多個 consumer 實例間的競爭窗口。
type Store interface {
	// GetByID 依 note_id 讀取統計行，不存在時返回 ErrNotFound
	GetByID(ctx context.Context, noteID int64) (*StatsRow, error)

	// Insert 插入新行，主鍵衝突時返回錯誤（由呼叫方降級處理）
	Insert(ctx context.Context, row *StatsRow) error

	// UpdateTotalsIfVersion 樂觀鎖全量更新：
	// WHERE note_id = ? AND version = ?，成功時 version + 1。
	// 返回受影響行數（0 表示版本已被其他寫入者推進）。
	UpdateTotalsIfVersion(ctx context.Context, row *StatsRow) (int64, error)

	// IncrementByDeltas 原子增量更新（增量已由呼叫方箝位為非負）
	IncrementByDeltas(ctx context.Context, deltas *StatsRow) (int64, error)

	// GetRecentUpdated 依 last_activity_at 倒序取最近更新的 n 行
	GetRecentUpdated(ctx context.Context, n int) ([]StatsRow, error)

	// InsertCompensation 追加一筆補償記錄
	InsertCompensation(ctx context.Context, rec *CompensationRecord) error
}

// PostgresStore 以 pgx 實作 Store
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 建立 PostgreSQL 持久層
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// GetByID 讀取統計行
func (s *PostgresStore) GetByID(ctx context.Context, noteID int64) (*StatsRow, error) {
	const query = `
		SELECT note_id, views, likes, favorites, comments, last_activity_at, version
		FROM note_stats
		WHERE note_id = $1`

	var row StatsRow
	err := s.pool.QueryRow(ctx, query, noteID).Scan(
		&row.NoteID,
		&row.Views,
		&row.Likes,
		&row.Favorites,
		&row.Comments,
		&row.LastActivityAt,
		&row.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get note stats: %w", err)
	}

	return &row, nil
}

// Insert 插入新行
func (s *PostgresStore) Insert(ctx context.Context, row *StatsRow) error {
	const query = `
		INSERT INTO note_stats (note_id, views, likes, favorites, comments, last_activity_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		row.NoteID,
		row.Views,
		row.Likes,
		row.Favorites,
		row.Comments,
		row.LastActivityAt,
		row.Version,
	)
	if err != nil {
		return fmt.Errorf("insert note stats: %w", err)
	}

	return nil
}

// UpdateTotalsIfVersion 樂觀鎖全量更新
func (s *PostgresStore) UpdateTotalsIfVersion(ctx context.Context, row *StatsRow) (int64, error) {
	const query = `
		UPDATE note_stats
		SET views = $2,
		    likes = $3,
		    favorites = $4,
		    comments = $5,
		    last_activity_at = $6,
		    version = version + 1
		WHERE note_id = $1 AND version = $7`

	tag, err := s.pool.Exec(ctx, query,
		row.NoteID,
		row.Views,
		row.Likes,
		row.Favorites,
		row.Comments,
		row.LastActivityAt,
		row.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("update totals if version: %w", err)
	}

	return tag.RowsAffected(), nil
}

// IncrementByDeltas 原子增量更新
func (s *PostgresStore) IncrementByDeltas(ctx context.Context, deltas *StatsRow) (int64, error) {
	const query = `
		UPDATE note_stats
		SET views = views + $2,
		    likes = likes + $3,
		    favorites = favorites + $4,
		    comments = comments + $5,
		    last_activity_at = $6,
		    version = version + 1
		WHERE note_id = $1`

	tag, err := s.pool.Exec(ctx, query,
		deltas.NoteID,
		deltas.Views,
		deltas.Likes,
		deltas.Favorites,
		deltas.Comments,
		deltas.LastActivityAt,
	)
	if err != nil {
		return 0, fmt.Errorf("increment by deltas: %w", err)
	}

	return tag.RowsAffected(), nil
}

// GetRecentUpdated 取最近更新的 n 行
func (s *PostgresStore) GetRecentUpdated(ctx context.Context, n int) ([]StatsRow, error) {
	const query = `
		SELECT note_id, views, likes, favorites, comments, last_activity_at, version
		FROM note_stats
		ORDER BY last_activity_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("get recent updated: %w", err)
	}
	defer rows.Close()

	var result []StatsRow
	for rows.Next() {
		var row StatsRow
		if err := rows.Scan(
			&row.NoteID,
			&row.Views,
			&row.Likes,
			&row.Favorites,
			&row.Comments,
			&row.LastActivityAt,
			&row.Version,
		); err != nil {
			return nil, fmt.Errorf("scan note stats: %w", err)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note stats: %w", err)
	}

	return result, nil
}

// InsertCompensation 追加補償記錄
func (s *PostgresStore) InsertCompensation(ctx context.Context, rec *CompensationRecord) error {
	const query = `
		INSERT INTO note_stats_compensation
			(note_id, views, likes, favorites, comments, last_activity_at, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		rec.NoteID,
		rec.Views,
		rec.Likes,
		rec.Favorites,
		rec.Comments,
		rec.LastActivityAt,
		rec.Status,
		rec.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert compensation: %w", err)
	}

	return nil
}
