package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は完了・失敗のどちらかに到達しているかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CreditState はジョブに紐づくクレジットの精算状態です。
// reserved から captured / refunded へは一度だけ遷移します。
type CreditState string

const (
	CreditNone     CreditState = "none"
	CreditReserved CreditState = "reserved"
	CreditCaptured CreditState = "captured"
	CreditRefunded CreditState = "refunded"
)

// 失敗時のエラーコード
const (
	CodeTranslationFailed = "TRANSLATION_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeInterrupted       = "INTERRUPTED"
	CodeDispatchFailed    = "DISPATCH_FAILED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Job は長文翻訳1件分の状態です。
type Job struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	SourceLang string   `json:"sourceLang"`
	TargetLang string   `json:"targetLang"`
	Segments   []string `json:"segments"`
	Results    []string `json:"results"`

	Status       Status `json:"status"`
	Progress     int    `json:"progress"`
	CurrentChunk int    `json:"currentChunk"` // 次に処理するブロックの位置
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`

	UserID          string      `json:"userId,omitempty"`
	CreditsReserved int         `json:"creditsReserved"`
	CreditState     CreditState `json:"creditState"`
	CreditsRefunded int         `json:"creditsRefunded"`
	CancelRequested bool        `json:"cancelRequested"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewJob は pending 状態のジョブを作成します。Results は Segments と同じ長さで初期化されます。
func NewJob(id, text, sourceLang, targetLang string, segments []string) *Job {
	return &Job{
		ID:          id,
		Text:        text,
		SourceLang:  sourceLang,
		TargetLang:  targetLang,
		Segments:    append([]string(nil), segments...),
		Results:     make([]string, len(segments)),
		Status:      StatusPending,
		CreditState: CreditNone,
	}
}

// Clone は呼び出し元が自由に扱えるコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Segments = append([]string(nil), j.Segments...)
	out.Results = append([]string(nil), j.Results...)
	return &out
}

// TotalChunks はブロック数を返します。
func (j *Job) TotalChunks() int {
	return len(j.Segments)
}

// ProgressFor は完了ブロック数から進捗率を計算します（四捨五入）。
func ProgressFor(completed, total int) int {
	if total <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return (200*completed + total) / (2 * total)
}
