package testutils

import (
	"context"
	"sync"

	"github.com/koopa0/visit-tracker/internal"
)

// ArchivedProduct MockArchiveSink 收到的一筆歸檔
type ArchivedProduct struct {
	History internal.ProductVisitHistory
	Details []internal.VisitDetail
}

// MockArchiveSink 記憶體版的 ArchiveSink，可按產品注入提交失敗
type MockArchiveSink struct {
	mu sync.Mutex

	// FailProducts 中的產品 ID 在提交時返回對應錯誤
	FailProducts map[int64]error

	archived []ArchivedProduct
}

// NewMockArchiveSink 創建記憶體歸檔目標
func NewMockArchiveSink() *MockArchiveSink {
	return &MockArchiveSink{
		FailProducts: make(map[int64]error),
	}
}

// ArchiveProduct 記錄歸檔內容，或返回注入的錯誤
func (m *MockArchiveSink) ArchiveProduct(ctx context.Context, history *internal.ProductVisitHistory, details []internal.VisitDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FailProducts[history.ProductID]; ok {
		return err
	}

	copied := make([]internal.VisitDetail, len(details))
	copy(copied, details)
	m.archived = append(m.archived, ArchivedProduct{
		History: *history,
		Details: copied,
	})
	return nil
}

// Archived 返回已成功歸檔的產品快照
func (m *MockArchiveSink) Archived() []ArchivedProduct {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ArchivedProduct, len(m.archived))
	copy(out, m.archived)
	return out
}

// StubTokenResolver 固定映射的 TokenResolver，token 不在映射中時返回注入的錯誤
type StubTokenResolver struct {
	// Users token 到使用者 ID 的映射
	Users map[string]int64
	// Err 未知 token 返回的錯誤
	Err error
}

// Resolve 查表返回使用者 ID
func (s *StubTokenResolver) Resolve(ctx context.Context, token string) (int64, error) {
	if id, ok := s.Users[token]; ok {
		return id, nil
	}
	return 0, s.Err
}
