// Package credits は利用者のクレジット残高と取引履歴を管理します。
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyReserved     = errors.New("credits already reserved for job")
)

// InsufficientCreditsError は残高不足の詳細です。
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Is lets errors.Is match ErrInsufficientCredits.
func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// 取引の種類
const (
	KindReserve = "reserve"
	KindRefund  = "refund"
	KindAdjust  = "adjust"
)

// Transaction は残高の増減1件です。Amount は差分（予約は負数）です。
type Transaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	JobID        string    `json:"jobId,omitempty"`
	Kind         string    `json:"kind"`
	Amount       int       `json:"amount"`
	BalanceAfter int       `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Accounts はジョブ処理から見た残高操作です。
type Accounts interface {
	GetCredits(ctx context.Context, userID string) (int, error)
	SetCredits(ctx context.Context, userID string, credits int) error
	// Reserve は残高が足りる場合だけ amount を差し引き、残高を返します。
	Reserve(ctx context.Context, userID, jobID string, amount int) (int, error)
	// Refund は jobID に対して一度だけ amount を戻します。2回目以降は何もしません。
	Refund(ctx context.Context, userID, jobID string, amount int) error
}

// Required は文字数から必要クレジット数を計算します（切り上げ）。
func Required(characters, perCredit int) int {
	if characters <= 0 {
		return 0
	}
	if perCredit <= 0 {
		perCredit = 1000
	}
	return (characters + perCredit - 1) / perCredit
}
