// Package nllb は外部の NLLB 翻訳 API を呼び出すクライアントを提供します。
package nllb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout    = 25 * time.Second
	defaultRetryDelay = time.Second
	defaultMaxLength  = 1000
	maxResponseBytes  = 1 << 20
)

// ErrTranslationUnavailable はリトライを使い切っても翻訳できなかったことを表します。
var ErrTranslationUnavailable = errors.New("translation unavailable")

// UnavailableError は最後に発生したエラーと試行回数を保持します。
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("translation unavailable after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("translation unavailable after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes the last attempt's error.
func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrTranslationUnavailable.
func (e *UnavailableError) Is(target error) bool { return target == ErrTranslationUnavailable }

// StatusError は 2xx 以外の応答です。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("translation service returned status %d: %s", e.StatusCode, e.Body)
}

// Options は Client の設定です。ゼロ値の項目は既定値を使います。
type Options struct {
	Endpoint   string
	MaxLength  int
	Timeout    time.Duration // 1回の試行あたりの上限
	MaxRetries int           // 初回に加えて行うリトライ回数
	RetryDelay time.Duration
	Languages  *LanguageTable
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client は1ブロック分のテキストを翻訳します。状態を持たないので並行呼び出しできます。
type Client struct {
	endpoint   string
	maxLength  int
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	languages  *LanguageTable
	http       *http.Client
	logger     *log.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

type translateRequest struct {
	Text      string `json:"text"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	MaxLength int    `json:"max_length"`
}

type translateResponse struct {
	Result         string `json:"result"`
	TranslatedText string `json:"translated_text"`
	Translation    string `json:"translation"`
	Error          string `json:"error"`
}

// NewClient は Client を作成します。
func NewClient(opts Options) *Client {
	c := &Client{
		endpoint:   opts.Endpoint,
		maxLength:  opts.MaxLength,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		languages:  opts.Languages,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
		sleep:      sleepContext,
	}
	if c.maxLength <= 0 {
		c.maxLength = defaultMaxLength
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryDelay < 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.languages == nil {
		c.languages = DefaultLanguages()
	}
	if c.http == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyFromEnvironment
		c.http = &http.Client{Transport: transport}
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// Translate は text を source から target へ翻訳します。
// source が "auto" の場合は文字種から原文言語を推定します。
// 失敗した試行は RetryDelay を挟んで最大 MaxRetries 回まで再試行し、
// 使い切った場合は *UnavailableError を返します。
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	if isBlank(text) {
		return text, nil
	}
	if source == AutoLanguage {
		source = DetectLanguage(text)
	}
	body, err := json.Marshal(translateRequest{
		Text:      text,
		Source:    c.languages.Normalize(source),
		Target:    c.languages.Normalize(target),
		MaxLength: c.maxLength,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return "", err
			}
		}
		attempts++
		translated, err := c.attempt(ctx, body)
		if err == nil {
			return translated, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		lastErr = err
		c.logger.Printf("nllb: attempt %d/%d failed (%d chars): %v", attempt+1, c.maxRetries+1, len([]rune(text)), err)
	}
	return "", &UnavailableError{Attempts: attempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("request timed out after %s", c.timeout)
		}
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 200)}
	}

	var decoded translateResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("malformed response body: %w", err)
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	for _, candidate := range []string{decoded.Result, decoded.TranslatedText, decoded.Translation} {
		if strings.TrimSpace(candidate) != "" {
			return candidate, nil
		}
	}
	return "", errors.New("malformed response body: missing result")
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
