package internal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProductVisitHistory 單一產品某日的彙總記錄
type ProductVisitHistory struct {
	ID           int64     `json:"id"`
	ProductID    int64     `json:"product_id"`
	VisitDate    time.Time `json:"visit_date"`
	TotalVisits  int64     `json:"total_visits"`
	UniqueVisits int64     `json:"unique_visits"`
	UserVisits   int64     `json:"user_visits"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArchiveSink 歸檔的持久化目標。
// 實作必須保證單一產品的彙總與明細在同一個交易中落地：
// 要麼全部寫入，要麼全部不寫。
type ArchiveSink interface {
	ArchiveProduct(ctx context.Context, history *ProductVisitHistory, details []VisitDetail) error
}

// DailyStat 歷史查詢中單日的統計
type DailyStat struct {
	Date         string `json:"date"`
	TotalVisits  int64  `json:"total_visits"`
	UniqueVisits int64  `json:"unique_visits"`
	UserVisits   int64  `json:"user_visits"`
}

// ProductDailySummary 單一產品按日分組的歷史統計
type ProductDailySummary struct {
	ProductID  int64       `json:"product_id"`
	DailyStats []DailyStat `json:"daily_stats"`
}

// HistoryFilter 歷史彙總查詢的過濾條件，零值欄位表示不過濾
type HistoryFilter struct {
	StartDate  time.Time
	EndDate    time.Time
	ProductIDs []int64
}

// DetailFilter 訪問明細查詢的過濾條件
type DetailFilter struct {
	Start time.Time
	End   time.Time
	Limit int
}

// HistoryStore 訪問歷史的 PostgreSQL 儲存層，同時實作 ArchiveSink
type HistoryStore struct {
	pg     *pgxpool.Pool
	logger *slog.Logger
}

// NewHistoryStore 創建歷史儲存層
func NewHistoryStore(pg *pgxpool.Pool, logger *slog.Logger) *HistoryStore {
	return &HistoryStore{pg: pg, logger: logger}
}

// ArchiveProduct 在單一交易中寫入一個產品的彙總記錄與全部訪客明細
func (s *HistoryStore) ArchiveProduct(ctx context.Context, history *ProductVisitHistory, details []VisitDetail) error {
	tx, err := s.pg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	// Commit 之後的 Rollback 是 no-op
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	const insertHistory = `
		INSERT INTO product_visit_history
			(product_id, visit_date, total_visits, unique_visits, user_visits, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.Exec(ctx, insertHistory,
		history.ProductID,
		history.VisitDate,
		history.TotalVisits,
		history.UniqueVisits,
		history.UserVisits,
		now,
	); err != nil {
		return fmt.Errorf("insert visit history: %w", err)
	}

	if len(details) > 0 {
		const insertDetail = `
			INSERT INTO product_visit_details
				(product_id, client_ip, visit_timestamp, user_agent, referrer, session_id, user_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

		batch := &pgx.Batch{}
		for _, d := range details {
			// user_id 為 0 時存 NULL，保持匿名訪問的語義
			var userID any
			if d.UserID != 0 {
				userID = d.UserID
			}
			batch.Queue(insertDetail,
				d.ProductID,
				d.ClientIP,
				d.Timestamp,
				d.UserAgent,
				d.Referrer,
				d.SessionID,
				userID,
				now,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range details {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert visit detail: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close detail batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}

	return nil
}

// VisitHistory 查詢歷史彙總，結果按產品分組、組內按日期升序。
// 同一產品同一天可能有多筆記錄（重複歸檔），全部返回不去重。
func (s *HistoryStore) VisitHistory(ctx context.Context, filter HistoryFilter) ([]ProductDailySummary, error) {
	query := `
		SELECT product_id, visit_date, total_visits, unique_visits, user_visits
		FROM product_visit_history`

	var (
		conds []string
		args  []any
	)
	if !filter.StartDate.IsZero() {
		args = append(args, filter.StartDate)
		conds = append(conds, fmt.Sprintf("visit_date >= $%d", len(args)))
	}
	if !filter.EndDate.IsZero() {
		args = append(args, filter.EndDate)
		conds = append(conds, fmt.Sprintf("visit_date <= $%d", len(args)))
	}
	if len(filter.ProductIDs) > 0 {
		args = append(args, filter.ProductIDs)
		conds = append(conds, fmt.Sprintf("product_id = ANY($%d)", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY product_id, visit_date, id"

	rows, err := s.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visit history: %w", err)
	}
	defer rows.Close()

	summaries := make([]ProductDailySummary, 0)
	var current *ProductDailySummary
	for rows.Next() {
		var (
			productID int64
			visitDate time.Time
			stat      DailyStat
		)
		if err := rows.Scan(&productID, &visitDate, &stat.TotalVisits, &stat.UniqueVisits, &stat.UserVisits); err != nil {
			return nil, fmt.Errorf("scan visit history row: %w", err)
		}
		stat.Date = visitDate.Format("2006-01-02")

		if current == nil || current.ProductID != productID {
			summaries = append(summaries, ProductDailySummary{ProductID: productID})
			current = &summaries[len(summaries)-1]
		}
		current.DailyStats = append(current.DailyStats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visit history rows: %w", err)
	}

	return summaries, nil
}

// VisitDetails 查詢單一產品已歸檔的訪問明細，按訪問時間降序
func (s *HistoryStore) VisitDetails(ctx context.Context, productID int64, filter DetailFilter) ([]VisitDetail, error) {
	query := `
		SELECT product_id, client_ip, visit_timestamp, user_agent, referrer, session_id, user_id
		FROM product_visit_details
		WHERE product_id = $1`

	args := []any{productID}
	if !filter.Start.IsZero() {
		args = append(args, filter.Start)
		query += fmt.Sprintf(" AND visit_timestamp >= $%d", len(args))
	}
	if !filter.End.IsZero() {
		args = append(args, filter.End)
		query += fmt.Sprintf(" AND visit_timestamp <= $%d", len(args))
	}
	query += " ORDER BY visit_timestamp DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visit details: %w", err)
	}
	defer rows.Close()

	details := make([]VisitDetail, 0)
	for rows.Next() {
		var (
			d      VisitDetail
			userID *int64
		)
		if err := rows.Scan(&d.ProductID, &d.ClientIP, &d.Timestamp, &d.UserAgent, &d.Referrer, &d.SessionID, &userID); err != nil {
			return nil, fmt.Errorf("scan visit detail row: %w", err)
		}
		if userID != nil {
			d.UserID = *userID
		}
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visit detail rows: %w", err)
	}

	return details, nil
}

// Ping 檢查資料庫連線，供就緒探針使用
func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.pg.Ping(ctx)
}
