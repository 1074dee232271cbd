package internal

import (
	"log/slog"
	"time"
)

// ArchiveScheduler 每日在配置時區的午夜觸發歸檔
type ArchiveScheduler struct {
	archiver *Archiver
	timezone string
	logger   *slog.Logger
	stop     chan struct{}
}

// NewArchiveScheduler 創建歸檔排程器
func NewArchiveScheduler(archiver *Archiver, timezone string, logger *slog.Logger) *ArchiveScheduler {
	return &ArchiveScheduler{
		archiver: archiver,
		timezone: timezone,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start 啟動排程器
func (s *ArchiveScheduler) Start() {
	go s.run()
}

// Stop 停止排程器
func (s *ArchiveScheduler) Stop() {
	close(s.stop)
}

func (s *ArchiveScheduler) run() {
	location, err := time.LoadLocation(s.timezone)
	if err != nil {
		s.logger.Error("invalid scheduler timezone, scheduler disabled",
			"timezone", s.timezone,
			"error", err,
		)
		return
	}

	firstRun := nextMidnight(time.Now().In(location))
	s.logger.Info("archive scheduler started",
		"timezone", s.timezone,
		"first_run", firstRun.Format(time.RFC3339),
	)

	timer := time.NewTimer(time.Until(firstRun))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			taskID := s.archiver.Trigger()
			s.logger.Info("scheduled archive triggered", "task_id", taskID)

			// 重新計算下一個午夜而非固定加 24 小時，正確跨越日光節約切換
			timer.Reset(time.Until(nextMidnight(time.Now().In(location))))

		case <-s.stop:
			s.logger.Info("archive scheduler stopped")
			return
		}
	}
}

// nextMidnight 返回 now 所在時區的下一個午夜
func nextMidnight(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return next.AddDate(0, 0, 1)
}
