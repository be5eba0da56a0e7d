package stream

import (
	"fmt"
	"net/http"
)

// エラーコード
const (
	CodeMissingParameters   = "MISSING_PARAMETERS"
	CodeTextTooShort        = "TEXT_TOO_SHORT"
	CodeTextTooLong         = "TEXT_TOO_LONG"
	CodeLoginRequired       = "LOGIN_REQUIRED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeRateLimited         = "RATE_LIMITED"
	CodeStreamError         = "STREAM_ERROR"
	CodeMissingTaskID       = "MISSING_TASK_ID"
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeTaskFinished        = "TASK_FINISHED"
	CodeForbidden           = "FORBIDDEN"
	CodeQueryError          = "QUERY_ERROR"
	CodeTranslationFailed   = "TRANSLATION_FAILED"
	CodeInvalidFile         = "INVALID_FILE"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
)

const (
	suggestionRegularAPI = "use_regular_api"
	suggestionStreamAPI  = "use_stream_api"
)

// Error は API 利用者に返すエラーです。Message に内部の詳細は含めません。
type Error struct {
	Status     int
	Code       string
	Message    string
	Suggestion string
	Required   int
	Available  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func errMissingParameters() *Error {
	return newError(http.StatusBadRequest, CodeMissingParameters, "Missing required parameters: text, sourceLang, targetLang")
}

func errTextTooShort(threshold int) *Error {
	e := newError(http.StatusBadRequest, CodeTextTooShort, fmt.Sprintf("Text is too short for streaming translation (must be longer than %d characters)", threshold))
	e.Suggestion = suggestionRegularAPI
	return e
}

func errTextTooLong(threshold int) *Error {
	e := newError(http.StatusBadRequest, CodeTextTooLong, fmt.Sprintf("Text longer than %d characters must use streaming translation", threshold))
	e.Suggestion = suggestionStreamAPI
	return e
}

func errLoginRequired(limit int) *Error {
	return newError(http.StatusUnauthorized, CodeLoginRequired, fmt.Sprintf("Login required for texts longer than %d characters", limit))
}

func errInsufficientCredits(required, available int) *Error {
	e := newError(http.StatusPaymentRequired, CodeInsufficientCredits, "Insufficient credits")
	e.Required = required
	e.Available = available
	return e
}

func errRateLimited() *Error {
	return newError(http.StatusTooManyRequests, CodeRateLimited, "Too many translation requests, please retry later")
}

func errStream() *Error {
	return newError(http.StatusInternalServerError, CodeStreamError, "Failed to start streaming translation")
}

func errMissingTaskID() *Error {
	return newError(http.StatusBadRequest, CodeMissingTaskID, "Missing taskId parameter")
}

func errTaskNotFound() *Error {
	return newError(http.StatusNotFound, CodeTaskNotFound, "Task not found")
}

func errQuery() *Error {
	return newError(http.StatusInternalServerError, CodeQueryError, "Failed to query task status")
}

func errInvalidFile(message string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidFile, message)
}

func errFileTooLarge(maxBytes int64) *Error {
	return newError(http.StatusRequestEntityTooLarge, CodeFileTooLarge, fmt.Sprintf("File exceeds the %d byte upload limit", maxBytes))
}

func errUnsupportedFileType() *Error {
	return newError(http.StatusUnsupportedMediaType, CodeUnsupportedFileType, "Only UTF-8 plain text files are supported")
}
