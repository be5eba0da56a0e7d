package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yourusername/longtext-translator/internal/metrics"
)

// Translator は1ブロック分の翻訳を行います。
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Refunder は予約済みクレジットを返金します。同じ jobID への二重返金は拒否される前提です。
type Refunder interface {
	Refund(ctx context.Context, userID, jobID string, amount int) error
}

var (
	errNotPending     = errors.New("job is not pending")
	errAlreadySettled = errors.New("job already finished")
)

// Orchestrator はジョブのブロックを順番に翻訳し、状態と精算を管理します。
type Orchestrator struct {
	store      Store
	translator Translator
	refunder   Refunder
	interval   time.Duration
	logger     *log.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator は Orchestrator を作成します。refunder と m は nil でも構いません。
func NewOrchestrator(store Store, translator Translator, refunder Refunder, interval time.Duration, logger *log.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if translator == nil {
		return nil, errors.New("translator is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		store:      store,
		translator: translator,
		refunder:   refunder,
		interval:   interval,
		logger:     logger,
		metrics:    m,
		sleep:      sleepContext,
	}, nil
}

// Run はジョブを最後まで処理します。pending 以外のジョブは何もしません。
// ctx の取り消しは待機と翻訳の中断に使い、状態の保存と返金は取り消し後も行います。
func (o *Orchestrator) Run(ctx context.Context, id string) (err error) {
	persist := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("job_id=%s: panic during translation: %v", id, r)
			o.settle(persist, id, CodeInternal, "internal error", false)
			err = fmt.Errorf("job %s: panic: %v", id, r)
		}
	}()

	job, err := o.store.Update(persist, id, func(j *Job) error {
		if j.Status != StatusPending {
			return errNotPending
		}
		j.Status = StatusProcessing
		return nil
	})
	if errors.Is(err, errNotPending) {
		o.logger.Printf("job_id=%s: skipped, not pending", id)
		return nil
	}
	if err != nil {
		return err
	}
	o.logger.Printf("job_id=%s: started (%d chunks)", id, job.TotalChunks())

	total := job.TotalChunks()
	for i := job.CurrentChunk; i < total; i++ {
		if i > 0 {
			if werr := o.sleep(ctx, o.interval); werr != nil {
				return o.interrupted(persist, id)
			}
		}

		current, gerr := o.store.Get(persist, id)
		if gerr != nil {
			return o.fail(persist, id, CodeInternal, "internal error", gerr)
		}
		if current.CancelRequested {
			return o.cancel(persist, id)
		}
		if ctx.Err() != nil {
			return o.interrupted(persist, id)
		}

		translated, terr := o.translator.Translate(ctx, job.Segments[i], job.SourceLang, job.TargetLang)
		if terr != nil {
			if ctx.Err() != nil {
				return o.interrupted(persist, id)
			}
			o.metrics.IncrementChunkFailures()
			o.logger.Printf("job_id=%s: chunk %d/%d failed: %v", id, i+1, total, terr)
			return o.fail(persist, id, CodeTranslationFailed, fmt.Sprintf("chunk %d translation failed", i+1), terr)
		}

		index := i
		if _, uerr := o.store.Update(persist, id, func(j *Job) error {
			if j.Status != StatusProcessing {
				return errAlreadySettled
			}
			j.Results[index] = translated
			j.CurrentChunk = index + 1
			j.Progress = ProgressFor(index+1, total)
			return nil
		}); uerr != nil {
			if errors.Is(uerr, errAlreadySettled) {
				return nil
			}
			return o.fail(persist, id, CodeInternal, "internal error", uerr)
		}
		o.metrics.IncrementChunksTranslated()
	}

	return o.complete(persist, id)
}

// Fail はジョブを失敗させ、予約済みクレジットを全額返金します。
// 既に終了しているジョブには何もしません。
func (o *Orchestrator) Fail(ctx context.Context, id, code, message string) error {
	o.settle(ctx, id, code, message, false)
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, id string) error {
	_, err := o.store.Update(ctx, id, func(j *Job) error {
		if j.Status != StatusProcessing {
			return errAlreadySettled
		}
		j.Status = StatusCompleted
		j.Progress = 100
		j.Error = ""
		j.ErrorCode = ""
		if j.CreditState == CreditReserved {
			j.CreditState = CreditCaptured
		}
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		return nil
	}
	if err != nil {
		return err
	}
	o.metrics.IncrementJobsCompleted()
	o.logger.Printf("job_id=%s: completed", id)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, id, code, message string, cause error) error {
	o.settle(ctx, id, code, message, false)
	return fmt.Errorf("job %s: %w", id, cause)
}

func (o *Orchestrator) cancel(ctx context.Context, id string) error {
	if o.settle(ctx, id, CodeCancelled, "cancelled by user", true) {
		o.metrics.IncrementJobsCancelled()
		o.logger.Printf("job_id=%s: cancelled", id)
	}
	return nil
}

// interrupted は取り消しを受けたときの終了処理です。利用者による取り消しかどうかで返金額が変わります。
func (o *Orchestrator) interrupted(ctx context.Context, id string) error {
	current, err := o.store.Get(ctx, id)
	if err == nil && current.CancelRequested {
		return o.cancel(ctx, id)
	}
	o.settle(ctx, id, CodeInterrupted, "translation interrupted", false)
	return context.Canceled
}

// settle はジョブを failed に遷移させ、必要なら返金します。
// 返金の判定は mutator の中で CreditState を切り替えた呼び出しだけが行うため、返金は高々1回です。
// このジョブを終了させた場合に true を返します。
func (o *Orchestrator) settle(ctx context.Context, id, code, message string, prorata bool) bool {
	var (
		refund int
		userID string
	)
	_, err := o.store.Update(ctx, id, func(j *Job) error {
		refund, userID = 0, ""
		if j.Status.Terminal() {
			return errAlreadySettled
		}
		j.Status = StatusFailed
		j.Error = message
		j.ErrorCode = code
		if j.CreditState != CreditReserved {
			return nil
		}
		amount := j.CreditsReserved
		if prorata {
			amount = RefundFor(j.CreditsReserved, j.CurrentChunk, j.TotalChunks())
		}
		if j.UserID == "" || amount <= 0 {
			j.CreditState = CreditCaptured
			return nil
		}
		j.CreditState = CreditRefunded
		j.CreditsRefunded = amount
		refund, userID = amount, j.UserID
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		return false
	}
	if err != nil {
		o.logger.Printf("job_id=%s: failed to mark job as failed: %v", id, err)
		return false
	}
	if code != CodeCancelled {
		o.metrics.IncrementJobsFailed()
		o.logger.Printf("job_id=%s: failed code=%s: %s", id, code, message)
	}

	if refund > 0 && o.refunder != nil {
		if err := o.refunder.Refund(ctx, userID, id, refund); err != nil {
			o.logger.Printf("job_id=%s: refund of %d credits for user=%s failed: %v", id, refund, userID, err)
		} else {
			o.metrics.AddCreditsRefunded(refund)
			o.logger.Printf("job_id=%s: refunded %d credits to user=%s", id, refund, userID)
		}
	}
	return true
}

// RefundFor は未処理ブロックの割合に応じた返金額を返します（切り捨て）。
func RefundFor(reserved, completed, total int) int {
	if reserved <= 0 || total <= 0 {
		return 0
	}
	if completed <= 0 {
		return reserved
	}
	if completed >= total {
		return 0
	}
	return reserved * (total - completed) / total
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
