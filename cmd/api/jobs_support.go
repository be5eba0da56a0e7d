package main

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/longtext-translator/internal/config"
	"github.com/yourusername/longtext-translator/internal/jobs"
	"github.com/yourusername/longtext-translator/internal/metrics"
)

// jobStack はバックエンドに応じて組み立てたジョブ関連の部品です。
type jobStack struct {
	store        jobs.Store
	orchestrator *jobs.Orchestrator
	dispatcher   jobs.Dispatcher
	closeRedis   func() error
}

// setupJobs は JOB_BACKEND に応じてストアとディスパッチャーを組み立てます。
// memory の場合は janitor を ctx が終わるまで動かします。
func setupJobs(ctx context.Context, cfg *config.Config, translator jobs.Translator, refunder jobs.Refunder, m *metrics.Metrics, logger *log.Logger) (*jobStack, error) {
	stack := &jobStack{closeRedis: func() error { return nil }}

	switch cfg.JobBackend {
	case config.BackendRedis:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse QUEUE_REDIS_URL: %w", err)
		}
		redisClient := redis.NewClient(opt)
		store, err := jobs.NewRedisStore(redisClient, cfg.JobRetention())
		if err != nil {
			_ = redisClient.Close()
			return nil, err
		}
		stack.store = store
		stack.closeRedis = redisClient.Close
	default:
		store := jobs.NewMemoryStore()
		store.SetStalledAfter(stalledAfter(cfg))
		stack.store = store
		go jobs.RunJanitor(ctx, store, cfg.JobSweepInterval, cfg.JobRetention(), logger)
	}

	orchestrator, err := jobs.NewOrchestrator(stack.store, translator, refunder, cfg.ChunkInterval, logger, m)
	if err != nil {
		_ = stack.closeRedis()
		return nil, err
	}
	stack.orchestrator = orchestrator

	if cfg.JobBackend == config.BackendRedis {
		dispatcher, err := jobs.NewAsynqDispatcher(jobs.AsynqOptions{
			RedisURL:    cfg.QueueRedisURL,
			StartDelay:  cfg.JobStartDelay,
			ChunkBudget: chunkBudget(cfg),
		}, orchestrator, logger)
		if err != nil {
			_ = stack.closeRedis()
			return nil, err
		}
		dispatcher.StartWorkers()
		stack.dispatcher = dispatcher
		return stack, nil
	}

	runner, err := jobs.NewRunner(orchestrator, cfg.JobStartDelay, logger)
	if err != nil {
		return nil, err
	}
	stack.dispatcher = runner
	return stack, nil
}

// chunkBudget は1ブロックあたりの最悪所要時間です（待機 + 全試行 + リトライ間隔）。
func chunkBudget(cfg *config.Config) time.Duration {
	attempts := time.Duration(cfg.MaxRetries + 1)
	return cfg.ChunkInterval + attempts*cfg.ChunkTimeout + time.Duration(cfg.MaxRetries)*cfg.RetryDelay
}

// stalledAfter は processing のまま更新が止まったジョブを掃除するまでの時間です。
func stalledAfter(cfg *config.Config) time.Duration {
	return 5 * chunkBudget(cfg)
}

// shutdown は実行中のジョブを止め、Redis 接続を閉じます。
func (s *jobStack) shutdown(ctx context.Context) error {
	err := s.dispatcher.Shutdown(ctx)
	if cerr := s.closeRedis(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
