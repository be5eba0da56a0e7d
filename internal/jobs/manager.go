package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeStream = "translate:stream"
	queueTranslate = "translate"
)

// AsynqOptions は AsynqDispatcher の設定です。
type AsynqOptions struct {
	RedisURL    string
	Concurrency int
	StartDelay  time.Duration
	// ChunkBudget は1ブロックの最悪所要時間（待機・全試行・リトライ間隔の合計）です。
	ChunkBudget time.Duration
}

// AsynqDispatcher はジョブを Asynq のタスクとして Redis 経由で実行します。
type AsynqDispatcher struct {
	client     *asynq.Client
	server     *asynq.Server
	inspector  *asynq.Inspector
	mux        *asynq.ServeMux
	runner     JobRunner
	startDelay time.Duration
	budget     time.Duration
	logger     *log.Logger
}

// TaskPayload は翻訳タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(opts AsynqOptions, runner JobRunner, logger *log.Logger) (*AsynqDispatcher, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueTranslate: 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	d := &AsynqDispatcher{
		client:     asynq.NewClient(opt),
		server:     server,
		inspector:  asynq.NewInspector(opt),
		mux:        mux,
		runner:     runner,
		startDelay: opts.StartDelay,
		budget:     opts.ChunkBudget,
		logger:     logger,
	}
	mux.HandleFunc(taskTypeStream, d.handleStreamTask)
	return d, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) StartWorkers() {
	go func() {
		if err := d.server.Run(d.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			d.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Dispatch はジョブをキューに投入します。自動リトライは行いません。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: job.ID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeStream, body, asynq.Queue(queueTranslate))
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.MaxRetry(0),
		asynq.ProcessIn(d.startDelay),
		asynq.Timeout(TaskTimeout(job.TotalChunks(), d.budget)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ErrDuplicateJob
	}
	return err
}

// Cancel は実行中のタスクに取り消しを通知します。
// まだ開始していないタスクはジョブの取り消しフラグで終了します。
func (d *AsynqDispatcher) Cancel(ctx context.Context, id string) error {
	if err := d.inspector.CancelProcessing(id); err != nil {
		d.logger.Printf("job_id=%s: failed to cancel task: %v", id, err)
		return err
	}
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown(ctx context.Context) error {
	d.server.Shutdown()
	return errors.Join(d.client.Close(), d.inspector.Close())
}

func (d *AsynqDispatcher) handleStreamTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	return d.runner.Run(ctx, payload.JobID)
}

// TaskTimeout はブロック数からタスク全体の上限時間を見積もります。
func TaskTimeout(chunks int, perChunk time.Duration) time.Duration {
	if perChunk <= 0 {
		perChunk = 2 * time.Minute
	}
	if chunks < 1 {
		chunks = 1
	}
	return time.Duration(chunks)*perChunk + time.Minute
}
