package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"Monios-Control/internal/auth"
	"Monios-Control/internal/continuity"
	xerrors "Monios-Control/internal/errors"
	"Monios-Control/internal/observability/metrics"
	"Monios-Control/internal/orchestrator"
	"Monios-Control/internal/rollout"
	"Monios-Control/internal/sandbox"
	"Monios-Control/internal/session"
	"Monios-Control/pkg/logger"
)

// DefaultTenant 是未认证且未提供 user_id 时使用的租户。
const DefaultTenant = "guest"

// 请求体上限。
const maxBodyBytes = 1 << 20

// Chatter 是 HTTP 层需要的编排能力。
type Chatter interface {
	HandleMessage(ctx context.Context, tenantID, message, explicitToken string) (orchestrator.Reply, error)
	ClearSession(ctx context.Context, tenantID string) bool
}

var _ Chatter = (*orchestrator.Orchestrator)(nil)

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithVerifier 启用 Bearer 令牌认证。
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithMetrics 注入指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithPublisher 启用代码产物发布接口。
func WithPublisher(p rollout.Producer) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithState 提供 /api/session 所需的状态视图，任一参数可以为 nil。
func WithState(sessions *session.Store, pool *sandbox.Pool, ledger *continuity.Ledger) Option {
	return func(s *Server) {
		s.sessions = sessions
		s.pool = pool
		s.ledger = ledger
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 暴露聊天接口和运维接口。
type Server struct {
	addr            string
	chat            Chatter
	verifier        *auth.Verifier
	metrics         *metrics.Metrics
	publisher       rollout.Producer
	sessions        *session.Store
	pool            *sandbox.Pool
	ledger          *continuity.Ledger
	logger          *slog.Logger
	shutdownTimeout time.Duration
	now             func() time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, chat Chatter, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		chat:            chat,
		logger:          logger.Named("api"),
		shutdownTimeout: 5 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	protected := auth.Middleware(s.verifier)

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", s.instrument("root", http.HandlerFunc(s.handleRoot)))
	mux.Handle("GET /health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("POST /chat", s.instrument("chat", protected(http.HandlerFunc(s.handleChat))))
	mux.Handle("POST /chat/clear", s.instrument("chat_clear", protected(http.HandlerFunc(s.handleClear))))
	mux.Handle("GET /api/session", s.instrument("session", protected(http.HandlerFunc(s.handleSession))))
	mux.Handle("GET /api/chat/history", s.instrument("chat_history", protected(http.HandlerFunc(s.handleHistory))))
	mux.Handle("POST /api/v1/artifacts", s.instrument("artifacts", protected(http.HandlerFunc(s.handlePublish))))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr), slog.Bool("auth", s.verifier != nil))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type chatRequest struct {
	Message      string `json:"message"`
	UserID       string `json:"user_id"`
	SessionToken string `json:"session_token,omitempty"`
}

type chatResponse struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	UserID       string       `json:"user_id"`
	SessionToken string       `json:"session_token,omitempty"`
	Degraded     bool         `json:"degraded,omitempty"`
	Code         xerrors.Code `json:"code,omitempty"`
	Timestamp    string       `json:"timestamp"`
}

type errorResponse struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenant := resolveTenant(r, req.UserID)

	reply, err := s.chat.HandleMessage(r.Context(), tenant, req.Message, req.SessionToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ID:           "msg_" + uuid.NewString(),
		Content:      reply.Content,
		UserID:       tenant,
		SessionToken: reply.Token,
		Degraded:     reply.Degraded,
		Code:         reply.Code,
		Timestamp:    s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenant := resolveTenant(r, req.UserID)
	existed := s.chat.ClearSession(r.Context(), tenant)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "cleared",
		"user_id": tenant,
		"existed": existed,
	})
}

type sessionView struct {
	UserID       string            `json:"user_id"`
	Session      *session.Info     `json:"session,omitempty"`
	Sandbox      *sandbox.Handle   `json:"sandbox,omitempty"`
	SessionToken string            `json:"session_token,omitempty"`
	TokenUpdated *time.Time        `json:"token_updated_at,omitempty"`
	Artifact     *sandbox.Artifact `json:"artifact,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	tenant := resolveTenant(r, r.URL.Query().Get("user_id"))
	view := sessionView{UserID: tenant}
	if s.sessions != nil {
		if sess, ok := s.sessions.Get(tenant); ok {
			view.Session = &session.Info{
				TenantID:     sess.TenantID,
				CreatedAt:    sess.CreatedAt,
				LastActiveAt: sess.LastActiveAt(),
			}
		}
	}
	if s.pool != nil {
		if h, ok := s.pool.Get(tenant); ok {
			view.Sandbox = &h
		}
		if current := s.pool.Current(); current.Version != "" {
			view.Artifact = &current
		}
	}
	if s.ledger != nil {
		if rec, ok := s.ledger.Lookup(tenant); ok {
			view.SessionToken = rec.Token
			updated := rec.UpdatedAt
			view.TokenUpdated = &updated
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type historyView struct {
	UserID   string   `json:"user_id"`
	Messages []string `json:"messages"`
}

// handleHistory 保留给前端的历史接口。对话历史保存在运行时一侧，这里始终返回空列表。
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant := resolveTenant(r, r.URL.Query().Get("user_id"))
	writeJSON(w, http.StatusOK, historyView{UserID: tenant, Messages: []string{}})
}

type publishRequest struct {
	Source string `json:"source"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: "artifact rollout is not configured",
			Code:  xerrors.CodeInitializationFailure,
		})
		return
	}
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "source is required"))
		return
	}
	notice, err := rollout.Publish(r.Context(), s.publisher, req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, notice)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Monios API",
		"version": "1.0.0",
		"status":  "running",
	})
}

// writeError 把统一错误映射为 HTTP 状态码，响应中只包含错误码的通用描述。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeProvisioningFailure, xerrors.CodeInitializationFailure, rollout.CodeRolloutPublish:
		status = http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	message := xerrors.AttributesOf(code).Message
	if coded, ok := xerrors.From(err); ok && code == xerrors.CodeInvalidArgument {
		message = coded.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// resolveTenant 优先使用令牌中的租户，其次是请求中的 user_id。
func resolveTenant(r *http.Request, fallback string) string {
	if tenant, ok := auth.TenantFromContext(r.Context()); ok {
		return tenant
	}
	if tenant := strings.TrimSpace(fallback); tenant != "" {
		return tenant
	}
	return DefaultTenant
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "请求体解析失败", Code: xerrors.CodeInvalidArgument})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// instrument 记录请求数量与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

// statusWriter 捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
