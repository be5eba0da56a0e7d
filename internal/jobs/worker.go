// Package jobs は長文翻訳ジョブの状態管理と非同期実行を提供します。
package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrDispatcherClosed は停止済みのディスパッチャーにジョブを渡したときのエラーです。
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// JobRunner はジョブを1件処理します。Orchestrator が実装します。
type JobRunner interface {
	Run(ctx context.Context, id string) error
}

// Dispatcher は作成済みのジョブを実行へ回します。
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) error
	Cancel(ctx context.Context, id string) error
	Shutdown(ctx context.Context) error
}

// Runner はジョブごとに goroutine を起動するプロセス内ディスパッチャーです。
// 実行中のジョブは取り消し関数と共に管理され、Shutdown で全て停止します。
type Runner struct {
	runner     JobRunner
	startDelay time.Duration
	logger     *log.Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewRunner は Runner を作成します。
func NewRunner(runner JobRunner, startDelay time.Duration, logger *log.Logger) (*Runner, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		runner:     runner,
		startDelay: startDelay,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}, nil
}

// Dispatch はジョブを startDelay 後にバックグラウンドで開始します。
// リクエストのコンテキストとは独立して実行されます。
func (r *Runner) Dispatch(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrDispatcherClosed
	}
	if _, ok := r.cancels[job.ID]; ok {
		return ErrDuplicateJob
	}
	jobCtx, cancel := context.WithCancel(r.base)
	r.cancels[job.ID] = cancel
	r.wg.Add(1)
	go r.run(jobCtx, job.ID)
	return nil
}

func (r *Runner) run(ctx context.Context, id string) {
	defer r.wg.Done()
	defer r.forget(id)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("job_id=%s: runner recovered from panic: %v", id, rec)
		}
	}()

	// 開始待ちの間に取り消されても Run を呼び、ジョブを終了状態にします。
	_ = sleepContext(ctx, r.startDelay)

	if err := r.runner.Run(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Printf("job_id=%s: run finished with error: %v", id, err)
	}
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
}

// Cancel は実行中のジョブを中断します。未知のジョブは無視します。
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Active は実行中のジョブ数を返します。
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}

// Shutdown は全ジョブを取り消し、終了を待ちます。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancelBase()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
