// Package metrics はプロセス内のカウンタを保持します。
package metrics

import "sync"

// Metrics は翻訳ジョブに関するカウンタです。nil レシーバでも安全に呼び出せます。
type Metrics struct {
	mu sync.RWMutex

	jobsCreated      int64
	jobsCompleted    int64
	jobsFailed       int64
	jobsCancelled    int64
	chunksTranslated int64
	chunkFailures    int64
	creditsReserved  int64
	creditsRefunded  int64
}

// NewMetrics は Metrics を作成します。
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) add(field *int64, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field += delta
}

// IncrementJobsCreated はジョブ作成数を加算します。
func (m *Metrics) IncrementJobsCreated() {
	if m == nil {
		return
	}
	m.add(&m.jobsCreated, 1)
}

func (m *Metrics) IncrementJobsCompleted() {
	if m == nil {
		return
	}
	m.add(&m.jobsCompleted, 1)
}

func (m *Metrics) IncrementJobsFailed() {
	if m == nil {
		return
	}
	m.add(&m.jobsFailed, 1)
}

func (m *Metrics) IncrementJobsCancelled() {
	if m == nil {
		return
	}
	m.add(&m.jobsCancelled, 1)
}

func (m *Metrics) IncrementChunksTranslated() {
	if m == nil {
		return
	}
	m.add(&m.chunksTranslated, 1)
}

func (m *Metrics) IncrementChunkFailures() {
	if m == nil {
		return
	}
	m.add(&m.chunkFailures, 1)
}

// AddCreditsReserved は予約したクレジット数を加算します。
func (m *Metrics) AddCreditsReserved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.add(&m.creditsReserved, int64(n))
}

// AddCreditsRefunded は返金したクレジット数を加算します。
func (m *Metrics) AddCreditsRefunded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.add(&m.creditsRefunded, int64(n))
}

// GetSnapshot は全カウンタのスナップショットを返します。
func (m *Metrics) GetSnapshot() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"jobs_created":      m.jobsCreated,
		"jobs_completed":    m.jobsCompleted,
		"jobs_failed":       m.jobsFailed,
		"jobs_cancelled":    m.jobsCancelled,
		"chunks_translated": m.chunksTranslated,
		"chunk_failures":    m.chunkFailures,
		"credits_reserved":  m.creditsReserved,
		"credits_refunded":  m.creditsRefunded,
	}
}
