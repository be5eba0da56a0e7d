package stream

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/longtext-translator/internal/credits"
	"github.com/yourusername/longtext-translator/internal/jobs"
	"github.com/yourusername/longtext-translator/internal/metrics"
)

var discardLogger = log.New(io.Discard, "", 0)

type fakeAccounts struct {
	mu       sync.Mutex
	balances map[string]int
	reserved map[string]int
	refunded map[string]int
}

func newFakeAccounts(balances map[string]int) *fakeAccounts {
	return &fakeAccounts{
		balances: balances,
		reserved: make(map[string]int),
		refunded: make(map[string]int),
	}
}

func (f *fakeAccounts) GetCredits(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[userID]
	if !ok {
		return 0, credits.ErrUserNotFound
	}
	return balance, nil
}

func (f *fakeAccounts) SetCredits(ctx context.Context, userID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = amount
	return nil
}

func (f *fakeAccounts) Reserve(ctx context.Context, userID, jobID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[userID]
	if !ok {
		return 0, credits.ErrUserNotFound
	}
	if balance < amount {
		return 0, &credits.InsufficientCreditsError{Required: amount, Available: balance}
	}
	f.balances[userID] = balance - amount
	f.reserved[jobID] = amount
	return balance - amount, nil
}

func (f *fakeAccounts) Refund(ctx context.Context, userID, jobID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.refunded[jobID]; done {
		return nil
	}
	f.refunded[jobID] = amount
	f.balances[userID] += amount
	return nil
}

func (f *fakeAccounts) balance(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	cancelled  []string
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, job.ID)
	return nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeDispatcher) Shutdown(ctx context.Context) error { return nil }

type translateFunc func(ctx context.Context, text, source, target string) (string, error)

func (f translateFunc) Translate(ctx context.Context, text, source, target string) (string, error) {
	return f(ctx, text, source, target)
}

type testEnv struct {
	svc          *Service
	store        *jobs.MemoryStore
	dispatcher   *fakeDispatcher
	accounts     *fakeAccounts
	orchestrator *jobs.Orchestrator
	metrics      *metrics.Metrics
}

func defaultOptions() Options {
	return Options{
		MaxChunkSize:        800,
		StreamThreshold:     1600,
		FreeCharacterLimit:  5000,
		CharactersPerCredit: 1000,
		ChunkInterval:       2 * time.Second,
	}
}

func newTestEnv(t *testing.T, tr jobs.Translator) *testEnv {
	t.Helper()
	if tr == nil {
		tr = translateFunc(func(ctx context.Context, text, source, target string) (string, error) {
			return strings.ToUpper(text), nil
		})
	}
	store := jobs.NewMemoryStore()
	accounts := newFakeAccounts(map[string]int{"user-1": 20, "poor": 3})
	m := metrics.NewMetrics()
	orchestrator, err := jobs.NewOrchestrator(store, tr, accounts, 0, discardLogger, m)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}
	dispatcher := &fakeDispatcher{}
	svc, err := NewService(Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Failer:     orchestrator,
		Accounts:   accounts,
		Limiter:    NewRateLimiter(0),
		Translator: tr,
		Metrics:    m,
		Logger:     discardLogger,
	}, defaultOptions())
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return &testEnv{svc: svc, store: store, dispatcher: dispatcher, accounts: accounts, orchestrator: orchestrator, metrics: m}
}

// text は5文字の単語を並べた n 文字ちょうどの文章を返します。
func text(n int) string {
	s := strings.Repeat("word ", n/5+1)
	return s[:n-1] + "."
}

func expectCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error with code %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Fatalf("code = %s, want %s", apiErr.Code, code)
	}
	return apiErr
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	if _, err := NewService(Deps{}, defaultOptions()); err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestCreateJobRejectsMissingParameters(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, req := range []CreateRequest{
		{Text: "", SourceLang: "en", TargetLang: "ja"},
		{Text: "   \n ", SourceLang: "en", TargetLang: "ja"},
		{Text: text(2000), SourceLang: "", TargetLang: "ja"},
		{Text: text(2000), SourceLang: "en", TargetLang: ""},
	} {
		_, err := env.svc.CreateJob(context.Background(), req)
		apiErr := expectCode(t, err, CodeMissingParameters)
		if apiErr.Status != 400 {
			t.Fatalf("status = %d", apiErr.Status)
		}
	}
}

func TestCreateJobRejectsShortText(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(1000), SourceLang: "en", TargetLang: "ja"})
	apiErr := expectCode(t, err, CodeTextTooShort)
	if apiErr.Suggestion != "use_regular_api" || apiErr.Status != 400 {
		t.Fatalf("unexpected error: %#v", apiErr)
	}
	_, err = env.svc.CreateJob(context.Background(), CreateRequest{Text: text(1600), SourceLang: "en", TargetLang: "ja"})
	expectCode(t, err, CodeTextTooShort)
	if env.store.Len() != 0 {
		t.Fatal("no job should be created")
	}
}

func TestCreateJobAnonymousFreeText(t *testing.T) {
	env := newTestEnv(t, nil)
	result, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(3000), SourceLang: "en", TargetLang: "ja"})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if !strings.HasPrefix(result.TaskID, "stream_") {
		t.Fatalf("task id = %s", result.TaskID)
	}
	if result.TotalChunks != 4 || result.EstimatedTime != 4*2+10 {
		t.Fatalf("unexpected result: %#v", result)
	}
	job, err := env.store.Get(context.Background(), result.TaskID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if job.Status != jobs.StatusPending || job.CreditState != jobs.CreditNone || len(job.Results) != 4 {
		t.Fatalf("unexpected job: %#v", job)
	}
	if len(env.dispatcher.dispatched) != 1 || env.dispatcher.dispatched[0] != result.TaskID {
		t.Fatalf("job was not dispatched: %v", env.dispatcher.dispatched)
	}
}

func TestCreateJobAnonymousLongTextRequiresLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(6000), SourceLang: "en", TargetLang: "ja"})
	apiErr := expectCode(t, err, CodeLoginRequired)
	if apiErr.Status != 401 {
		t.Fatalf("status = %d", apiErr.Status)
	}
	if env.store.Len() != 0 {
		t.Fatal("no job should be created")
	}
}

func TestCreateJobInsufficientCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(12000), SourceLang: "en", TargetLang: "ja", UserID: "poor"})
	apiErr := expectCode(t, err, CodeInsufficientCredits)
	if apiErr.Status != 402 || apiErr.Required != 12 || apiErr.Available != 3 {
		t.Fatalf("unexpected error: %#v", apiErr)
	}
	if env.accounts.balance("poor") != 3 || env.store.Len() != 0 {
		t.Fatal("nothing should be mutated")
	}
}

func TestCreateJobReservesCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	result, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(12000), SourceLang: "en", TargetLang: "ja", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if env.accounts.balance("user-1") != 8 {
		t.Fatalf("balance = %d, want 8", env.accounts.balance("user-1"))
	}
	job, _ := env.store.Get(context.Background(), result.TaskID)
	if job.CreditsReserved != 12 || job.CreditState != jobs.CreditReserved || job.UserID != "user-1" {
		t.Fatalf("unexpected job: %#v", job)
	}
	if env.metrics.GetSnapshot()["credits_reserved"] != 12 {
		t.Fatalf("unexpected metrics: %v", env.metrics.GetSnapshot())
	}
}

func TestCreateJobDispatchFailureRefunds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatcher.err = errors.New("queue down")

	_, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(12000), SourceLang: "en", TargetLang: "ja", UserID: "user-1"})
	expectCode(t, err, CodeStreamError)
	if env.accounts.balance("user-1") != 20 {
		t.Fatalf("reservation should be refunded, balance = %d", env.accounts.balance("user-1"))
	}
}

func TestCreateJobRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.limiter = NewRateLimiter(1)

	req := CreateRequest{Text: text(2000), SourceLang: "en", TargetLang: "ja", ClientKey: "10.0.0.1"}
	if _, err := env.svc.CreateJob(context.Background(), req); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	_, err := env.svc.CreateJob(context.Background(), req)
	apiErr := expectCode(t, err, CodeRateLimited)
	if apiErr.Status != 429 {
		t.Fatalf("status = %d", apiErr.Status)
	}
}

func TestFailingChunkRefundsReservation(t *testing.T) {
	calls := 0
	tr := translateFunc(func(ctx context.Context, text, source, target string) (string, error) {
		calls++
		if calls == 5 {
			return "", errors.New("translation unavailable")
		}
		return "ok", nil
	})
	env := newTestEnv(t, tr)

	result, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(12000), SourceLang: "en", TargetLang: "ja", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	_ = env.orchestrator.Run(context.Background(), result.TaskID)

	status, err := env.svc.GetJobStatus(context.Background(), result.TaskID)
	if err != nil {
		t.Fatalf("GetJobStatus returned error: %v", err)
	}
	if status.Status != "failed" || status.Result != nil || status.Error == "" {
		t.Fatalf("unexpected status: %#v", status)
	}
	// 4/15 = 26.7% → 27
	if result.TotalChunks != 15 || status.CurrentChunk != 4 || status.Progress != 27 {
		t.Fatalf("progress should be frozen: %#v", status)
	}
	if env.accounts.balance("user-1") != 20 {
		t.Fatalf("balance = %d, want 20 after refund", env.accounts.balance("user-1"))
	}
}

func TestGetJobStatusCompletedJoinsResults(t *testing.T) {
	env := newTestEnv(t, translateFunc(func(ctx context.Context, text, source, target string) (string, error) {
		return "X", nil
	}))
	result, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(2000), SourceLang: "en", TargetLang: "ja"})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if err := env.orchestrator.Run(context.Background(), result.TaskID); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	status, err := env.svc.GetJobStatus(context.Background(), result.TaskID)
	if err != nil {
		t.Fatalf("GetJobStatus returned error: %v", err)
	}
	if status.Status != "completed" || status.Progress != 100 || status.Result == nil || *status.Result != "X X X" {
		t.Fatalf("unexpected status: %#v", status)
	}
	if status.TotalChunks != 3 || status.CurrentChunk != 3 {
		t.Fatalf("unexpected chunk counters: %#v", status)
	}
}

func TestGetJobStatusErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.GetJobStatus(context.Background(), "")
	expectCode(t, err, CodeMissingTaskID)
	_, err = env.svc.GetJobStatus(context.Background(), "stream_missing")
	apiErr := expectCode(t, err, CodeTaskNotFound)
	if apiErr.Status != 404 {
		t.Fatalf("status = %d", apiErr.Status)
	}
}

func TestGetJobStatusAfterEviction(t *testing.T) {
	env := newTestEnv(t, translateFunc(func(ctx context.Context, text, source, target string) (string, error) {
		return "X", nil
	}))
	ctx := context.Background()
	result, err := env.svc.CreateJob(ctx, CreateRequest{Text: text(2000), SourceLang: "en", TargetLang: "ja"})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if err := env.orchestrator.Run(ctx, result.TaskID); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, err := env.svc.GetJobStatus(ctx, result.TaskID); err != nil {
		t.Fatalf("GetJobStatus before eviction returned error: %v", err)
	}

	job, err := env.store.Get(ctx, result.TaskID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	removed, err := env.store.Sweep(ctx, job.UpdatedAt.Add(time.Second))
	if err != nil || removed != 1 {
		t.Fatalf("Sweep = %d, %v; want 1 removed", removed, err)
	}

	_, err = env.svc.GetJobStatus(ctx, result.TaskID)
	apiErr := expectCode(t, err, CodeTaskNotFound)
	if apiErr.Status != 404 {
		t.Fatalf("status = %d, want 404", apiErr.Status)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, nil)
	result, err := env.svc.CreateJob(context.Background(), CreateRequest{Text: text(12000), SourceLang: "en", TargetLang: "ja", UserID: "user-1"})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	_, err = env.svc.CancelJob(context.Background(), result.TaskID, "someone-else")
	expectCode(t, err, CodeForbidden)

	if _, err := env.svc.CancelJob(context.Background(), result.TaskID, "user-1"); err != nil {
		t.Fatalf("CancelJob returned error: %v", err)
	}
	if len(env.dispatcher.cancelled) != 1 {
		t.Fatalf("dispatcher cancel not called: %v", env.dispatcher.cancelled)
	}

	_ = env.orchestrator.Run(context.Background(), result.TaskID)
	status, _ := env.svc.GetJobStatus(context.Background(), result.TaskID)
	if status.Status != "failed" || status.ErrorCode != jobs.CodeCancelled || status.CreditsRefunded != 12 {
		t.Fatalf("unexpected status: %#v", status)
	}
	if env.accounts.balance("user-1") != 20 {
		t.Fatalf("balance = %d, want 20", env.accounts.balance("user-1"))
	}

	_, err = env.svc.CancelJob(context.Background(), result.TaskID, "user-1")
	apiErr := expectCode(t, err, CodeTaskFinished)
	if apiErr.Status != 409 {
		t.Fatalf("status = %d", apiErr.Status)
	}
	_, err = env.svc.CancelJob(context.Background(), "stream_missing", "user-1")
	expectCode(t, err, CodeTaskNotFound)
}

func TestTranslateText(t *testing.T) {
	env := newTestEnv(t, nil)
	out, err := env.svc.TranslateText(context.Background(), "hello", "en", "ja")
	if err != nil || out != "HELLO" {
		t.Fatalf("TranslateText = %q, %v", out, err)
	}
	_, err = env.svc.TranslateText(context.Background(), text(2000), "en", "ja")
	apiErr := expectCode(t, err, CodeTextTooLong)
	if apiErr.Suggestion != "use_stream_api" {
		t.Fatalf("suggestion = %s", apiErr.Suggestion)
	}
	_, err = env.svc.TranslateText(context.Background(), "", "en", "ja")
	expectCode(t, err, CodeMissingParameters)
}

func TestCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	summary, err := env.svc.Credits(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Credits returned error: %v", err)
	}
	if summary.Credits != 20 || summary.Transactions == nil {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	_, err = env.svc.Credits(context.Background(), "")
	expectCode(t, err, CodeLoginRequired)
}
