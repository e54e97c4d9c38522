package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/leadrelay/internal/stream"
	"github.com/nao1215/leadrelay/internal/tokenstore"
	"github.com/nao1215/leadrelay/pkg/event"
	"github.com/nao1215/leadrelay/pkg/middleware"
)

// healthTimeout はヘルスチェック時のストア疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

// StateReporter は上流ストリームの接続状態を返す。*stream.Client が実装する。
type StateReporter interface {
	State() stream.ReconnectState
}

// Config はHTTPサーバーの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret は配信先APIのJWT検証に使うシークレット。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
}

// Server は配信先登録API・ヘルスチェック・メトリクスを提供するHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はシャットダウン制御のためのHTTPサーバー。
	httpServer *http.Server
	// store は配信先ストア。
	store tokenstore.Store
	// stream は上流ストリームの接続状態。nilの場合は報告しない。
	stream StateReporter
	// metrics はPrometheusのハンドラー。nilの場合は /metrics を公開しない。
	metrics http.Handler
}

// NewServer は新しいHTTPサーバーを生成する。
func NewServer(cfg Config, store tokenstore.Store, state StateReporter, metrics http.Handler) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:  router,
		store:   store,
		stream:  state,
		metrics: metrics,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes(cfg.JWTSecret)

	return s
}

// Handler はルーターを http.Handler として返す。主にテスト用。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdown による停止ではnilを返す。
func (s *Server) Run() error {
	log.Printf("[API] HTTPサーバーを起動します: %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は処理中のリクエストを待ってからHTTPサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(jwtSecret string) {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		devices := api.Group("/devices")
		{
			// 配信先の登録・更新
			devices.POST("", s.handleRegister())
			// 自分の配信先一覧
			devices.GET("", s.handleList())
			// 配信先の登録解除
			devices.DELETE("/:token", s.handleRevoke())
		}
	}

	s.router.GET("/health", s.handleHealth())
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// registerRequest は配信先登録のリクエストボディ。
type registerRequest struct {
	// Token はプッシュプロバイダーの登録トークン。
	Token string `json:"token" binding:"required"`
	// Role はロール。省略時はJWTのロールを使う。
	Role string `json:"role"`
	// RoleExperience は営業経験フラグ。数値でも受け付ける。省略時は "0"。
	RoleExperience event.FlexString `json:"roleExperience"`
}

// handleRegister は認証済みユーザーの配信先を登録するハンドラ。
// 同じトークンが既に登録されていれば上書き更新する。同じユーザーの他の端末は削除しない。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := middleware.GetSubject(c)

		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		role := strings.ToUpper(strings.TrimSpace(req.Role))
		if role == "" {
			role = strings.ToUpper(sub.Role)
		}
		if role != string(tokenstore.RoleAdmin) && role != string(tokenstore.RoleEmployee) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roleはADMINまたはEMPLOYEEを指定してください"})
			return
		}

		experience := req.RoleExperience.String()
		if experience == "" {
			experience = tokenstore.ExperienceNone
		}

		ep, err := s.store.Upsert(c.Request.Context(), tokenstore.DeviceEndpoint{
			Token:          strings.TrimSpace(req.Token),
			UserID:         sub.UserID,
			TenantID:       sub.TenantID,
			Role:           tokenstore.Role(role),
			RoleExperience: experience,
		})
		if errors.Is(err, tokenstore.ErrInvalidEndpoint) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信先の登録に失敗しました"})
			log.Printf("[API] 配信先の登録に失敗: user=%s tenant=%s: %v", sub.UserID, sub.TenantID, err)
			return
		}

		c.JSON(http.StatusOK, ep)
	}
}

// handleList は認証済みユーザーの配信先一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := middleware.GetSubject(c)

		endpoints, err := s.store.ListByUser(c.Request.Context(), sub.TenantID, sub.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信先一覧の取得に失敗しました"})
			log.Printf("[API] 配信先一覧の取得に失敗: user=%s tenant=%s: %v", sub.UserID, sub.TenantID, err)
			return
		}
		if endpoints == nil {
			endpoints = []tokenstore.DeviceEndpoint{}
		}

		c.JSON(http.StatusOK, endpoints)
	}
}

// handleRevoke は認証済みユーザー自身の配信先を削除するハンドラ。
func (s *Server) handleRevoke() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := middleware.GetSubject(c)

		token := strings.TrimSpace(c.Param("token"))
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "トークンが必要です"})
			return
		}

		err := s.store.DeleteForUser(c.Request.Context(), sub.TenantID, sub.UserID, token)
		if errors.Is(err, tokenstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "配信先が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信先の削除に失敗しました"})
			log.Printf("[API] 配信先の削除に失敗: user=%s tenant=%s: %v", sub.UserID, sub.TenantID, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// streamStatus はヘルスチェックで返すストリームの状態。
type streamStatus struct {
	Phase          stream.Phase `json:"phase"`
	Connected      bool         `json:"connected"`
	CurrentDelayMS int64        `json:"current_delay_ms"`
	MaxDelayMS     int64        `json:"max_delay_ms"`
	Reconnects     int64        `json:"reconnects"`
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Store   string        `json:"store"`
	Stream  *streamStatus `json:"stream,omitempty"`
}

// handleHealth はストアの疎通とストリームの接続状態を返すハンドラ。
// ストアに接続できない場合は503を返す。ストリームの切断は再接続で回復するため200のまま報告する。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := healthResponse{Status: "ok", Service: "leadrelay", Store: "ok"}
		code := http.StatusOK

		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			log.Printf("[API] ストアの疎通確認に失敗: %v", err)
			resp.Status = "unavailable"
			resp.Store = "error"
			code = http.StatusServiceUnavailable
		}

		if s.stream != nil {
			st := s.stream.State()
			resp.Stream = &streamStatus{
				Phase:          st.Phase,
				Connected:      st.Connected,
				CurrentDelayMS: st.CurrentDelay.Milliseconds(),
				MaxDelayMS:     st.MaxDelay.Milliseconds(),
				Reconnects:     st.Reconnects,
			}
			if !st.Connected && code == http.StatusOK {
				resp.Status = "degraded"
			}
		}

		c.JSON(code, resp)
	}
}
