// Package auth は API キーとセッションによる利用者認証を提供します。
package auth

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	UserID string `json:"userId" binding:"required"`
	APIKey string `json:"apiKey" binding:"required"`
}

// Login は /api/auth/login のハンドラーです。API キーを検証してセッションを発行します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Send userId and apiKey as JSON",
			"code":  "INVALID_INPUT",
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "Too many failed attempts, please retry later",
			"code":  "TOO_MANY_ATTEMPTS",
		})
		return
	}

	if err := m.Authenticate(c.Request.Context(), req.UserID, req.APIKey); err != nil {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "Invalid user ID or API key",
			"code":              "INVALID_CREDENTIALS",
			"remainingAttempts": remaining,
		})
		return
	}

	m.resetAttempts(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate CSRF token",
			"code":  "TOKEN_GENERATION_FAILED",
		})
		return
	}

	session := sessions.Default(c)
	now := time.Now()
	session.Set(sessionKeyUser, req.UserID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to save session",
			"code":  "SESSION_SAVE_FAILED",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clear session",
			"code":  "SESSION_SAVE_FAILED",
		})
		return
	}
	c.Status(http.StatusNoContent)
}
