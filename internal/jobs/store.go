package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job already exists")
)

// Mutator はジョブをその場で書き換えます。エラーを返すと更新は破棄されます。
// Redis バックエンドでは競合時に再実行されるため、副作用を持たせないでください。
type Mutator func(*Job) error

// Store はジョブ状態の保存先です。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, mutate Mutator) (*Job, error)
	Delete(ctx context.Context, id string) error
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// defaultStalledAfter は processing のまま更新が止まったジョブを削除するまでの既定の猶予です。
const defaultStalledAfter = 6 * time.Hour

// MemoryStore はプロセス内の map にジョブを保持します。
type MemoryStore struct {
	mu           sync.Mutex
	jobs         map[string]*Job
	now          func() time.Time
	stalledAfter time.Duration
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[string]*Job),
		now:          time.Now,
		stalledAfter: defaultStalledAfter,
	}
}

// SetStalledAfter は processing のジョブを放棄されたとみなすまでの時間を設定します。
// 実行中のジョブはブロックごとに UpdatedAt を更新するため、1ブロックの最悪所要時間より十分長くしてください。
func (s *MemoryStore) SetStalledAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.stalledAfter = d
	}
}

// Create はジョブを登録します。
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateJob
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get はジョブのスナップショットを返します。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update は mutate をロック内で適用し、更新後のスナップショットを返します。
func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now().UTC()
	s.jobs[id] = next
	return next.Clone(), nil
}

// Delete はジョブを削除します。
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// Sweep は olderThan より前に更新されたジョブを削除します。
// processing のジョブはオーケストレーターが保持しているため、stalledAfter の間更新が
// 無かった場合に限り削除します。
func (s *MemoryStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stalled := s.now().Add(-s.stalledAfter)
	removed := 0
	for id, job := range s.jobs {
		cutoff := olderThan
		if job.Status == StatusProcessing {
			cutoff = stalled
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Len は保持しているジョブ数を返します。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// RunJanitor は ctx が終了するまで interval ごとに期限切れジョブを掃除します。
func RunJanitor(ctx context.Context, store Store, interval, retention time.Duration, logger *log.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Sweep(ctx, now.Add(-retention))
			if err != nil {
				logger.Printf("job sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Printf("job sweep: evicted %d jobs", removed)
			}
		}
	}
}
