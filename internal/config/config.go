// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ジョブ状態の保存先
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	SessionSecret  string // セッション署名用の秘密鍵
	AccountsDBPath string // ユーザー・クレジット台帳の SQLite ファイル

	// NLLB 翻訳サービス設定
	NLLBServiceURL  string // 翻訳エンドポイント
	NLLBMaxLength   int    // リクエストの max_length
	LanguageMapFile string // 言語コード表の上書き用 YAML（任意）

	// ストリーミング翻訳設定
	MaxChunkSize  int           // 1ブロックの最大文字数
	ChunkInterval time.Duration // ブロック間の待機時間
	ChunkTimeout  time.Duration // 1ブロックあたりのタイムアウト
	MaxRetries    int           // 1ブロックあたりの追加リトライ回数
	RetryDelay    time.Duration // リトライ間隔
	StreamThresh  int           // これ以下の文字数は通常翻訳APIを使う

	// クレジット設定
	FreeCharacterLimit  int // 無料で翻訳できる文字数
	CharactersPerCredit int // 1クレジットあたりの文字数

	// ジョブ/キュー設定
	JobBackend        string        // memory または redis
	QueueRedisURL     string        // Redis 接続URL（redis バックエンド時）
	JobExpireMinutes  int           // ジョブの保持期間（分）
	JobSweepInterval  time.Duration // 期限切れジョブの掃除間隔
	JobStartDelay     time.Duration // 作成からオーケストレーター開始までの遅延
	SubmissionsPerMin int           // 呼び出し元ごとの1分あたり投入上限
	MaxUploadBytes    int64         // アップロードできるテキストファイルの上限
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// 認証設定
		SessionSecret:  getEnv("SESSION_SECRET", ""),
		AccountsDBPath: getEnv("ACCOUNTS_DB_PATH", "accounts.db"),

		// NLLB 翻訳サービス設定
		NLLBServiceURL:  getEnv("NLLB_SERVICE_URL", "https://wane0528-my-nllb-api.hf.space/api/v4/translator"),
		NLLBMaxLength:   getEnvAsInt("NLLB_MAX_LENGTH", 1000),
		LanguageMapFile: getEnv("LANGUAGE_MAP_FILE", ""),

		// ストリーミング翻訳設定
		MaxChunkSize:  getEnvAsInt("STREAM_MAX_CHUNK_SIZE", 800),
		ChunkInterval: getEnvAsMillis("STREAM_CHUNK_INTERVAL_MS", 2000),
		ChunkTimeout:  getEnvAsMillis("STREAM_CHUNK_TIMEOUT_MS", 25000),
		MaxRetries:    getEnvAsInt("STREAM_MAX_RETRIES", 3),
		RetryDelay:    getEnvAsMillis("STREAM_RETRY_DELAY_MS", 1000),
		StreamThresh:  getEnvAsInt("STREAM_THRESHOLD", 1600),

		// クレジット設定
		FreeCharacterLimit:  getEnvAsInt("FREE_CHARACTER_LIMIT", 5000),
		CharactersPerCredit: getEnvAsInt("CHARACTERS_PER_CREDIT", 1000),

		// ジョブ/キュー設定
		JobBackend:        strings.ToLower(getEnv("JOB_BACKEND", BackendMemory)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 60),
		JobSweepInterval:  time.Duration(getEnvAsInt("JOB_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		JobStartDelay:     getEnvAsMillis("JOB_START_DELAY_MS", 100),
		SubmissionsPerMin: getEnvAsInt("SUBMISSIONS_PER_MINUTE", 10),
		MaxUploadBytes:    getEnvAsInt64("MAX_UPLOAD_BYTES", 2*1024*1024), // 2MB
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("STREAM_MAX_CHUNK_SIZE must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("STREAM_MAX_RETRIES must not be negative")
	}
	if c.CharactersPerCredit <= 0 {
		return fmt.Errorf("CHARACTERS_PER_CREDIT must be positive")
	}
	switch c.JobBackend {
	case BackendMemory:
	case BackendRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for JOB_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported JOB_BACKEND: %s", c.JobBackend)
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.NLLBServiceURL == "" {
			return fmt.Errorf("NLLB_SERVICE_URL is required in release mode")
		}
	}

	return nil
}

// JobRetention はジョブを保持する期間を返します。
func (c *Config) JobRetention() time.Duration {
	minutes := c.JobExpireMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsMillis はミリ秒指定の環境変数を time.Duration として取得します。
func getEnvAsMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}
