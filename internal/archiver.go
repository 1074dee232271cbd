package internal

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/visit-tracker/pkg/errors"
)

// 歸檔任務狀態
const (
	ArchiveStatusPending   = "pending"
	ArchiveStatusCompleted = "completed"
	ArchiveStatusFailed    = "failed"
)

// ArchiveResult 單次歸檔執行的結果
type ArchiveResult struct {
	Status           string  `json:"status"`
	ProductsArchived int     `json:"products_archived"`
	DetailsArchived  int     `json:"details_archived"`
	DetailsSkipped   int     `json:"details_skipped"`
	FailedProducts   []int64 `json:"failed_products"`
	Error            string  `json:"error,omitempty"`
	Timestamp        string  `json:"timestamp"`
}

// ArchiveTask 非同步歸檔任務的狀態
type ArchiveTask struct {
	ID         string         `json:"task_id"`
	Status     string         `json:"status"`
	Result     *ArchiveResult `json:"result,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Archiver 將 Redis 中的訪問快照搬進持久化儲存。
//
// 每個產品是獨立的提交單位：彙總與明細在同一交易中落地，
// 提交成功後才清除該產品的快取。單一產品失敗不影響其他產品。
//
// 已知的資料遺失視窗：快照讀取和快取清除之間寫入的訪問會遺失。
// 不加鎖是刻意的取捨，歸檔在離峰時段執行，遺失量可忽略。
type Archiver struct {
	tracker *VisitTracker
	sink    ArchiveSink
	config  *Config
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*ArchiveTask
}

// NewArchiver 創建歸檔器
func NewArchiver(tracker *VisitTracker, sink ArchiveSink, config *Config, logger *slog.Logger) *Archiver {
	return &Archiver{
		tracker: tracker,
		sink:    sink,
		config:  config,
		logger:  logger,
		tasks:   make(map[string]*ArchiveTask),
	}
}

// Run 同步執行一次完整歸檔。
// 快照失敗時整體標記 failed；個別產品失敗記入 FailedProducts，
// 其餘產品照常處理，整體狀態仍為 completed。
func (a *Archiver) Run(ctx context.Context) *ArchiveResult {
	started := time.Now()
	result := &ArchiveResult{
		FailedProducts: []int64{},
	}

	snapshot, err := a.tracker.GetAllProductMetrics(ctx)
	if err != nil {
		a.logger.Error("archive snapshot failed", "error", err)
		result.Status = ArchiveStatusFailed
		result.Error = err.Error()
		result.Timestamp = time.Now().UTC().Format(time.RFC3339)
		return result
	}

	ids := make([]int64, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visitDate := time.Now().UTC().Truncate(24 * time.Hour)

	for _, productID := range ids {
		metrics := snapshot[productID]

		details, skipped, err := a.tracker.VisitorDetails(ctx, productID)
		if err != nil {
			a.logger.Error("failed to read visitor details",
				"product_id", productID,
				"error", err,
			)
			result.FailedProducts = append(result.FailedProducts, productID)
			continue
		}
		result.DetailsSkipped += skipped

		history := &ProductVisitHistory{
			ProductID:    productID,
			VisitDate:    visitDate,
			TotalVisits:  metrics.TotalVisits,
			UniqueVisits: metrics.UniqueVisits,
			UserVisits:   metrics.UserVisits,
		}

		if err := a.sink.ArchiveProduct(ctx, history, details); err != nil {
			a.logger.Error("failed to archive product",
				"product_id", productID,
				"error", err,
			)
			result.FailedProducts = append(result.FailedProducts, productID)
			continue
		}

		// 提交成功後才清除快取，順序不可顛倒：
		// 先清除再提交會在提交失敗時弄丟整天的資料
		if !a.tracker.ClearVisitData(ctx, productID) {
			a.logger.Warn("failed to clear visit data after archive, duplicate rows possible on next run",
				"product_id", productID,
			)
		}

		result.ProductsArchived++
		result.DetailsArchived += len(details)
	}

	result.Status = ArchiveStatusCompleted
	result.Timestamp = time.Now().UTC().Format(time.RFC3339)

	a.logger.Info("archive run finished",
		"products_archived", result.ProductsArchived,
		"details_archived", result.DetailsArchived,
		"details_skipped", result.DetailsSkipped,
		"failed_products", len(result.FailedProducts),
		"duration", time.Since(started).String(),
	)

	return result
}

// Trigger 啟動一次非同步歸檔，立即返回任務 ID。
// 歸檔的生命週期與觸發它的 HTTP 請求無關，使用獨立的背景 context。
func (a *Archiver) Trigger() string {
	taskID := uuid.New().String()
	task := &ArchiveTask{
		ID:        taskID,
		Status:    ArchiveStatusPending,
		StartedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	a.tasks[taskID] = task
	a.mu.Unlock()

	a.logger.Info("archive task triggered", "task_id", taskID)

	go func() {
		result := a.Run(context.Background())

		finished := time.Now().UTC()
		a.mu.Lock()
		task.Status = result.Status
		task.Result = result
		task.FinishedAt = &finished
		a.pruneTasksLocked()
		a.mu.Unlock()
	}()

	return taskID
}

// TaskStatus 查詢歸檔任務狀態，返回的是快照副本
func (a *Archiver) TaskStatus(taskID string) (*ArchiveTask, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task, ok := a.tasks[taskID]
	if !ok {
		return nil, apperrors.ErrTaskNotFound
	}

	snapshot := *task
	return &snapshot, nil
}

// pruneTasksLocked 移除超過保留期限的已完成任務，呼叫者需持有鎖
func (a *Archiver) pruneTasksLocked() {
	retention := a.config.Archive.TaskRetention
	for id, task := range a.tasks {
		if task.FinishedAt != nil && time.Since(*task.FinishedAt) > retention {
			delete(a.tasks, id)
		}
	}
}
