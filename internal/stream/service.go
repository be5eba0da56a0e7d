// Package stream は長文のブロック分割翻訳ジョブを受け付ける API を提供します。
package stream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yourusername/longtext-translator/internal/chunker"
	"github.com/yourusername/longtext-translator/internal/credits"
	"github.com/yourusername/longtext-translator/internal/jobs"
	"github.com/yourusername/longtext-translator/internal/metrics"
)

const taskIDPrefix = "stream_"

// JobFailer は開始できなかったジョブを精算付きで失敗させます。
type JobFailer interface {
	Fail(ctx context.Context, id, code, message string) error
}

// TransactionLister は取引履歴を返します。
type TransactionLister interface {
	ListTransactions(ctx context.Context, userID string, limit int) ([]credits.Transaction, error)
}

// Options は受付の閾値と料金の設定です。
type Options struct {
	MaxChunkSize        int
	StreamThreshold     int // この文字数以下はブロック分割の対象外
	FreeCharacterLimit  int // この文字数を超えるとログインとクレジットが必要
	CharactersPerCredit int
	ChunkInterval       time.Duration
}

// Deps は Service の依存です。Accounts・Ledger・Limiter・Translator・Metrics は省略できます。
type Deps struct {
	Store      jobs.Store
	Dispatcher jobs.Dispatcher
	Failer     JobFailer
	Accounts   credits.Accounts
	Ledger     TransactionLister
	Limiter    *RateLimiter
	Translator jobs.Translator
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// Service はジョブの作成・照会・取り消しを行います。
type Service struct {
	store      jobs.Store
	dispatcher jobs.Dispatcher
	failer     JobFailer
	accounts   credits.Accounts
	ledger     TransactionLister
	limiter    *RateLimiter
	translator jobs.Translator
	metrics    *metrics.Metrics
	logger     *log.Logger
	opts       Options
	newID      func() string
}

// CreateRequest はジョブ作成の入力です。ClientKey は投入回数制限の単位です。
type CreateRequest struct {
	Text       string
	SourceLang string
	TargetLang string
	UserID     string
	ClientKey  string
}

// CreateResult はジョブ作成の結果です。EstimatedTime は秒数です。
type CreateResult struct {
	TaskID        string `json:"taskId"`
	TotalChunks   int    `json:"totalChunks"`
	EstimatedTime int    `json:"estimatedTime"`
}

// TaskStatus は照会 API が返すジョブの状態です。Result は完了時のみ設定され、それ以外は null です。
type TaskStatus struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	CurrentChunk    int       `json:"currentChunk"`
	TotalChunks     int       `json:"totalChunks"`
	Result          *string   `json:"result"`
	Error           string    `json:"error,omitempty"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	CreditsRefunded int       `json:"creditsRefunded,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// CreditsSummary は残高と最近の取引です。
type CreditsSummary struct {
	Credits      int                   `json:"credits"`
	Transactions []credits.Transaction `json:"transactions"`
}

// NewService は Service を作成します。
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if deps.Failer == nil {
		return nil, errors.New("failer is nil")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = chunker.DefaultMaxChunkSize
	}
	if opts.CharactersPerCredit <= 0 {
		opts.CharactersPerCredit = 1000
	}
	return &Service{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		failer:     deps.Failer,
		accounts:   deps.Accounts,
		ledger:     deps.Ledger,
		limiter:    deps.Limiter,
		translator: deps.Translator,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		opts:       opts,
		newID:      func() string { return taskIDPrefix + uuid.NewString() },
	}, nil
}

// CreateJob は入力を検証し、必要ならクレジットを予約してジョブを開始します。
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if strings.TrimSpace(req.Text) == "" || req.SourceLang == "" || req.TargetLang == "" {
		return nil, errMissingParameters()
	}
	characters := utf8.RuneCountInString(req.Text)
	if characters <= s.opts.StreamThreshold {
		return nil, errTextTooShort(s.opts.StreamThreshold)
	}
	if err := s.limiter.Allow(s.rateKey(req)); err != nil {
		return nil, errRateLimited()
	}

	segments := chunker.Split(req.Text, s.opts.MaxChunkSize)
	if len(segments) == 0 {
		return nil, errMissingParameters()
	}

	id := s.newID()
	required := 0
	if characters > s.opts.FreeCharacterLimit {
		if req.UserID == "" {
			return nil, errLoginRequired(s.opts.FreeCharacterLimit)
		}
		required = credits.Required(characters, s.opts.CharactersPerCredit)
		if err := s.reserve(ctx, req.UserID, id, required); err != nil {
			return nil, err
		}
	}

	job := jobs.NewJob(id, req.Text, req.SourceLang, req.TargetLang, segments)
	job.UserID = req.UserID
	if required > 0 {
		job.CreditsReserved = required
		job.CreditState = jobs.CreditReserved
	}

	if err := s.store.Create(ctx, job); err != nil {
		s.logger.Printf("job_id=%s: failed to create job: %v", id, err)
		if required > 0 {
			if rerr := s.accounts.Refund(context.WithoutCancel(ctx), req.UserID, id, required); rerr != nil {
				s.logger.Printf("job_id=%s: refund after failed create failed: %v", id, rerr)
			} else {
				s.metrics.AddCreditsRefunded(required)
			}
		}
		return nil, errStream()
	}
	s.metrics.IncrementJobsCreated()
	s.metrics.AddCreditsReserved(required)

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.logger.Printf("job_id=%s: failed to dispatch job: %v", id, err)
		_ = s.failer.Fail(context.WithoutCancel(ctx), id, jobs.CodeDispatchFailed, "failed to start translation")
		return nil, errStream()
	}

	s.logger.Printf("job_id=%s: accepted %d characters in %d chunks (credits=%d)", id, characters, len(segments), required)
	return &CreateResult{
		TaskID:        id,
		TotalChunks:   len(segments),
		EstimatedTime: len(segments)*int(s.opts.ChunkInterval/time.Second) + 10,
	}, nil
}

func (s *Service) reserve(ctx context.Context, userID, jobID string, amount int) error {
	if s.accounts == nil {
		s.logger.Printf("job_id=%s: credit accounts are not configured", jobID)
		return errStream()
	}
	_, err := s.accounts.Reserve(ctx, userID, jobID, amount)
	var insufficient *credits.InsufficientCreditsError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &insufficient):
		return errInsufficientCredits(insufficient.Required, insufficient.Available)
	case errors.Is(err, credits.ErrUserNotFound):
		return errInsufficientCredits(amount, 0)
	default:
		s.logger.Printf("job_id=%s: failed to reserve credits for user=%s: %v", jobID, userID, err)
		return errStream()
	}
}

func (s *Service) rateKey(req CreateRequest) string {
	if req.UserID != "" {
		return "user:" + req.UserID
	}
	return "client:" + req.ClientKey
}

// GetJobStatus はジョブの状態を返します。
func (s *Service) GetJobStatus(ctx context.Context, id string) (*TaskStatus, error) {
	if id == "" {
		return nil, errMissingTaskID()
	}
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil, errTaskNotFound()
	}
	if err != nil {
		s.logger.Printf("job_id=%s: failed to query job: %v", id, err)
		return nil, errQuery()
	}
	return toTaskStatus(job), nil
}

// CancelJob は実行中または待機中のジョブに取り消しを要求します。
// 他の利用者のジョブは FORBIDDEN、終了済みのジョブは TASK_FINISHED になります。
func (s *Service) CancelJob(ctx context.Context, id, userID string) (*TaskStatus, error) {
	if id == "" {
		return nil, errMissingTaskID()
	}
	errFinished := errors.New("finished")
	errForbidden := errors.New("forbidden")
	job, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		if j.UserID != "" && j.UserID != userID {
			return errForbidden
		}
		if j.Status.Terminal() {
			return errFinished
		}
		j.CancelRequested = true
		return nil
	})
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return nil, errTaskNotFound()
	case errors.Is(err, errForbidden):
		return nil, newError(http.StatusForbidden, CodeForbidden, "Task belongs to another user")
	case errors.Is(err, errFinished):
		return nil, newError(http.StatusConflict, CodeTaskFinished, "Task has already finished")
	case err != nil:
		s.logger.Printf("job_id=%s: failed to request cancel: %v", id, err)
		return nil, errQuery()
	}

	if err := s.dispatcher.Cancel(ctx, id); err != nil {
		s.logger.Printf("job_id=%s: dispatcher cancel failed, relying on cancel flag: %v", id, err)
	}
	s.logger.Printf("job_id=%s: cancel requested", id)
	return toTaskStatus(job), nil
}

// TranslateText は分割が不要な短い文章をその場で翻訳します。
func (s *Service) TranslateText(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" || sourceLang == "" || targetLang == "" {
		return "", errMissingParameters()
	}
	if utf8.RuneCountInString(text) > s.opts.StreamThreshold {
		return "", errTextTooLong(s.opts.StreamThreshold)
	}
	if s.translator == nil {
		return "", newError(http.StatusServiceUnavailable, CodeTranslationFailed, "Translation service is not configured")
	}
	translated, err := s.translator.Translate(ctx, text, sourceLang, targetLang)
	if err != nil {
		s.logger.Printf("direct translation failed: %v", err)
		return "", newError(http.StatusBadGateway, CodeTranslationFailed, "Translation service is unavailable")
	}
	return translated, nil
}

// Credits は利用者の残高と最近の取引を返します。
func (s *Service) Credits(ctx context.Context, userID string) (*CreditsSummary, error) {
	if userID == "" {
		return nil, errLoginRequired(s.opts.FreeCharacterLimit)
	}
	if s.accounts == nil {
		return nil, errQuery()
	}
	balance, err := s.accounts.GetCredits(ctx, userID)
	if errors.Is(err, credits.ErrUserNotFound) {
		return &CreditsSummary{Transactions: []credits.Transaction{}}, nil
	}
	if err != nil {
		s.logger.Printf("failed to get credits for user=%s: %v", userID, err)
		return nil, errQuery()
	}
	summary := &CreditsSummary{Credits: balance, Transactions: []credits.Transaction{}}
	if s.ledger != nil {
		txs, err := s.ledger.ListTransactions(ctx, userID, 20)
		if err != nil {
			s.logger.Printf("failed to list transactions for user=%s: %v", userID, err)
			return nil, errQuery()
		}
		if txs != nil {
			summary.Transactions = txs
		}
	}
	return summary, nil
}

func toTaskStatus(job *jobs.Job) *TaskStatus {
	status := &TaskStatus{
		ID:              job.ID,
		Status:          string(job.Status),
		Progress:        job.Progress,
		CurrentChunk:    job.CurrentChunk,
		TotalChunks:     job.TotalChunks(),
		Error:           job.Error,
		ErrorCode:       job.ErrorCode,
		CreditsRefunded: job.CreditsRefunded,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	if job.Status == jobs.StatusCompleted {
		result := strings.Join(job.Results, " ")
		status.Result = &result
	}
	return status
}
