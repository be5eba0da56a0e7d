package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookieName    = "lt_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

var (
	// ErrInvalidCredentials は利用者 ID または API キーが一致しないことを表します。
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMalformedToken     = errors.New("malformed bearer token")
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間で認証済み利用者 ID を共有するためのキーです。
const ContextUserKey = "auth.user"

// contextMethodKey は認証方式（bearer / session）を保持します。
const contextMethodKey = "auth.method"

const (
	methodBearer  = "bearer"
	methodSession = "session"
)

// KeyStore は API キーのハッシュを引くための口です。
type KeyStore interface {
	APIKeyHash(ctx context.Context, userID string) (string, error)
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	keys     KeyStore
	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
func NewManager(keys KeyStore) (*Manager, error) {
	if keys == nil {
		return nil, errors.New("key store is nil")
	}
	return &Manager{
		keys:     keys,
		attempts: make(map[string]*attemptState),
	}, nil
}

// Authenticate は利用者 ID と API キーを検証します。
func (m *Manager) Authenticate(ctx context.Context, userID, apiKey string) error {
	if userID == "" || apiKey == "" {
		return ErrInvalidCredentials
	}
	hash, err := m.keys.APIKeyHash(ctx, userID)
	if err != nil || hash == "" {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ParseBearer は "Bearer <userID>.<apiKey>" 形式の Authorization ヘッダーを分解します。
// ヘッダーが無い場合は ok=false を返します。
func ParseBearer(header string) (userID, apiKey string, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", false, nil
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", "", true, ErrMalformedToken
	}
	token = strings.TrimSpace(token)
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return "", "", true, ErrMalformedToken
	}
	return token[:idx], token[idx+1:], true, nil
}

// GenerateAPIKey は新しい API キーとその bcrypt ハッシュを返します。
func GenerateAPIKey() (key string, hash string, err error) {
	key, err = generateToken()
	if err != nil {
		return "", "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return key, string(hashed), nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
