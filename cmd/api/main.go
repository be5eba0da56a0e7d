// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/longtext-translator/internal/auth"
	"github.com/yourusername/longtext-translator/internal/config"
	"github.com/yourusername/longtext-translator/internal/credits"
	"github.com/yourusername/longtext-translator/internal/metrics"
	"github.com/yourusername/longtext-translator/internal/nllb"
	"github.com/yourusername/longtext-translator/internal/stream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accounts, err := credits.NewSQLiteAccounts(cfg.AccountsDBPath)
	if err != nil {
		log.Fatalf("Failed to open accounts database: %v", err)
	}
	defer accounts.Close()

	languages := nllb.DefaultLanguages()
	if cfg.LanguageMapFile != "" {
		languages, err = nllb.LoadLanguages(cfg.LanguageMapFile)
		if err != nil {
			log.Fatalf("Failed to load language map: %v", err)
		}
	}

	translator := nllb.NewClient(nllb.Options{
		Endpoint:   cfg.NLLBServiceURL,
		MaxLength:  cfg.NLLBMaxLength,
		Timeout:    cfg.ChunkTimeout,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Languages:  languages,
		Logger:     logger,
	})
	m := metrics.NewMetrics()

	jobStack, err := setupJobs(ctx, cfg, translator, accounts, m, logger)
	if err != nil {
		log.Fatalf("Failed to set up jobs: %v", err)
	}

	svc, err := stream.NewService(stream.Deps{
		Store:      jobStack.store,
		Dispatcher: jobStack.dispatcher,
		Failer:     jobStack.orchestrator,
		Accounts:   accounts,
		Ledger:     accounts,
		Limiter:    stream.NewRateLimiter(cfg.SubmissionsPerMin),
		Translator: translator,
		Metrics:    m,
		Logger:     logger,
	}, stream.Options{
		MaxChunkSize:        cfg.MaxChunkSize,
		StreamThreshold:     cfg.StreamThresh,
		FreeCharacterLimit:  cfg.FreeCharacterLimit,
		CharactersPerCredit: cfg.CharactersPerCredit,
		ChunkInterval:       cfg.ChunkInterval,
	})
	if err != nil {
		log.Fatalf("Failed to create stream service: %v", err)
	}

	authManager, err := auth.NewManager(accounts)
	if err != nil {
		log.Fatalf("Failed to create auth manager: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	origins := splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, routeDeps{
		auth:      authManager,
		service:   svc,
		languages: languages,
		metrics:   m,
		upgrader:  stream.NewUpgrader(origins),
		logger:    logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("Starting API server on %s (mode: %s, jobs: %s)", server.Addr, cfg.GinMode, cfg.JobBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}
	// 実行中のジョブは INTERRUPTED として精算されます。
	if err := jobStack.shutdown(shutdownCtx); err != nil {
		logger.Printf("job dispatcher shutdown: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "longtext-translator-api",
		"version": "0.1.0",
	})
}

type routeDeps struct {
	auth      *auth.Manager
	service   *stream.Service
	languages *nllb.LanguageTable
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	logger    *log.Logger
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps routeDeps) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)
	router.GET("/metrics", stream.MetricsHandler(deps.metrics))

	authManager := deps.auth
	svc := deps.service

	api := router.Group("/api")
	// Bearer トークン・セッション・匿名のいずれかとして利用者を特定する
	api.Use(authManager.Identify())
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireUser(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		translate := api.Group("/translate")
		{
			translate.POST("", authManager.VerifyCSRF(), stream.TranslateHandler(svc))
			translate.POST("/stream", authManager.VerifyCSRF(), stream.CreateHandler(svc))
			translate.GET("/stream", stream.StatusHandler(svc))
			translate.DELETE("/stream", authManager.VerifyCSRF(), stream.CancelHandler(svc))
			translate.POST("/stream/upload", authManager.VerifyCSRF(), stream.UploadHandler(svc, cfg.MaxUploadBytes))
			translate.GET("/stream/ws", stream.ProgressHandler(svc, deps.upgrader, 0, deps.logger))
		}

		api.GET("/credits", authManager.RequireUser(), stream.CreditsHandler(svc))
		api.GET("/languages", stream.LanguagesHandler(deps.languages))
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
