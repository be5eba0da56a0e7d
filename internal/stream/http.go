package stream

import (
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/longtext-translator/internal/auth"
	"github.com/yourusername/longtext-translator/internal/metrics"
	"github.com/yourusername/longtext-translator/internal/nllb"
)

type createRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"sourceLang"`
	TargetLang string `json:"targetLang"`
}

// CreateHandler は POST /api/translate/stream のハンドラーを返します。
func CreateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, errMissingParameters())
			return
		}
		result, err := svc.CreateJob(c.Request.Context(), CreateRequest{
			Text:       req.Text,
			SourceLang: req.SourceLang,
			TargetLang: req.TargetLang,
			UserID:     auth.UserID(c),
			ClientKey:  c.ClientIP(),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		respondCreated(c, result)
	}
}

// StatusHandler は GET /api/translate/stream?taskId= のハンドラーを返します。
func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, err := svc.GetJobStatus(c.Request.Context(), c.Query("taskId"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"task":    task,
		})
	}
}

// CancelHandler は DELETE /api/translate/stream?taskId= のハンドラーを返します。
func CancelHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, err := svc.CancelJob(c.Request.Context(), c.Query("taskId"), auth.UserID(c))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"task":    task,
			"message": "Cancellation requested",
		})
	}
}

// UploadHandler は POST /api/translate/stream/upload のハンドラーを返します。
// multipart の file にテキストファイルを受け取り、通常のジョブとして登録します。
func UploadHandler(svc *Service, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			respondWithError(c, errInvalidFile("Send a text file in the multipart/form-data field \"file\""))
			return
		}
		if maxBytes > 0 && file.Size > maxBytes {
			respondWithError(c, errFileTooLarge(maxBytes))
			return
		}

		f, err := file.Open()
		if err != nil {
			respondWithError(c, errInvalidFile("Failed to read the uploaded file"))
			return
		}
		defer f.Close()

		reader := io.Reader(f)
		if maxBytes > 0 {
			reader = io.LimitReader(f, maxBytes+1)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			respondWithError(c, errInvalidFile("Failed to read the uploaded file"))
			return
		}
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			respondWithError(c, errFileTooLarge(maxBytes))
			return
		}
		if mt := mimetype.Detect(data); !mt.Is("text/plain") || !utf8.Valid(data) {
			respondWithError(c, errUnsupportedFileType())
			return
		}

		result, err := svc.CreateJob(c.Request.Context(), CreateRequest{
			Text:       string(data),
			SourceLang: c.PostForm("sourceLang"),
			TargetLang: c.PostForm("targetLang"),
			UserID:     auth.UserID(c),
			ClientKey:  c.ClientIP(),
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		respondCreated(c, result)
	}
}

// TranslateHandler は POST /api/translate のハンドラーを返します。短い文章を同期で翻訳します。
func TranslateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, errMissingParameters())
			return
		}
		translated, err := svc.TranslateText(c.Request.Context(), req.Text, req.SourceLang, req.TargetLang)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":        true,
			"translatedText": translated,
			"sourceLang":     req.SourceLang,
			"targetLang":     req.TargetLang,
		})
	}
}

// CreditsHandler は GET /api/credits のハンドラーを返します。
func CreditsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := svc.Credits(c.Request.Context(), auth.UserID(c))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"credits":      summary.Credits,
			"transactions": summary.Transactions,
		})
	}
}

// LanguagesHandler は GET /api/languages のハンドラーを返します。
func LanguagesHandler(table *nllb.LanguageTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"languages": table.List(),
		})
	}
}

// MetricsHandler は GET /metrics のハンドラーを返します。
func MetricsHandler(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.GetSnapshot())
	}
}

func respondCreated(c *gin.Context, result *CreateResult) {
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"taskId":        result.TaskID,
		"totalChunks":   result.TotalChunks,
		"estimatedTime": result.EstimatedTime,
		"message":       "Streaming translation started",
	})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = errStream()
	}
	body := gin.H{
		"success": false,
		"error":   apiErr.Message,
		"code":    apiErr.Code,
	}
	if apiErr.Suggestion != "" {
		body["suggestion"] = apiErr.Suggestion
	}
	if apiErr.Code == CodeInsufficientCredits {
		body["required"] = apiErr.Required
		body["available"] = apiErr.Available
	}
	c.JSON(apiErr.Status, body)
}
