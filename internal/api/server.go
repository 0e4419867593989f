package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"DeFiAgent-Chain/internal/agent"
	xerrors "DeFiAgent-Chain/internal/errors"
	"DeFiAgent-Chain/internal/observability/metrics"
	"DeFiAgent-Chain/internal/store"
	"DeFiAgent-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部驱动智能体会话与动作。
type Server struct {
	addr    string
	manager *agent.Manager
	store   store.Store
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, manager *agent.Manager, st store.Store) *Server {
	return &Server{addr: addr, manager: manager, store: st}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/actions", instrument("execute_action", s.handleExecuteAction))
	mux.HandleFunc("GET /api/v1/agents/{agent_id}/actions", instrument("list_actions", s.handleListActions))
	mux.HandleFunc("GET /api/v1/agents/{agent_id}/available-actions", instrument("available_actions", s.handleAvailableActions))
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/chat", instrument("chat", s.handleChat))
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/chat/stream", instrument("chat_stream", s.handleChatStream))
	mux.HandleFunc("POST /api/v1/agents/{agent_id}/auto-chat", instrument("auto_chat", s.handleAutoChat))
	mux.HandleFunc("GET /api/v1/conversations/{conversation_id}/messages", instrument("list_messages", s.handleListMessages))
	return mux
}

// instrument 记录每个接口的请求量、错误量与耗时。
func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

// statusRecorder 捕获响应状态码，Flush 透传给底层以支持流式接口。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

type actionRequest struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type autoChatRequest struct {
	Message         string `json:"message"`
	IntervalSeconds int    `json:"interval_seconds"`
	Strategy        string `json:"strategy"`
	ConversationID  string `json:"conversation_id"`
}

// handleExecuteAction 执行单个智能体动作。
func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "action_type 不能为空")
		return
	}

	result, err := s.manager.ExecuteAction(r.Context(), r.PathValue("agent_id"), req.ActionType, req.Parameters)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "result": result})
}

// handleListActions 返回智能体最近的动作记录。
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.store.ListActions(r.Context(), r.PathValue("agent_id"), limit)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": records})
}

// handleAvailableActions 返回智能体可调用的动作描述。
func (s *Server) handleAvailableActions(w http.ResponseWriter, r *http.Request) {
	descriptions, err := s.manager.AvailableActions(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": descriptions})
}

// handleChat 同步执行一轮会话。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message 不能为空")
		return
	}

	service, err := s.manager.Service(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	result, err := service.ChatSync(r.Context(), req.Message, req.ConversationID)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleChatStream 以 NDJSON 流式返回会话片段，每个片段立即刷出。
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message 不能为空")
		return
	}

	service, err := s.manager.Service(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeTypedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	encoder := json.NewEncoder(w)
	for chunk := range service.StreamChatSync(r.Context(), req.Message, req.ConversationID) {
		if err := encoder.Encode(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleAutoChat 启动自主会话循环并以 NDJSON 流式返回事件。
// 客户端断开即取消循环。
func (s *Server) handleAutoChat(w http.ResponseWriter, r *http.Request) {
	var req autoChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}

	service, err := s.manager.Service(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		writeTypedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	interval := time.Duration(req.IntervalSeconds) * time.Second
	encoder := json.NewEncoder(w)
	for event := range service.StreamAutoChat(r.Context(), req.Message, interval, req.Strategy, req.ConversationID) {
		if err := encoder.Encode(event); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleListMessages 返回一个会话内的消息，按时间升序。
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	messages, err := s.store.ListConversation(r.Context(), r.PathValue("conversation_id"), limit)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// writeTypedError 依据错误码映射 HTTP 状态码。
func writeTypedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeInvalidArgument, xerrors.CodeParse:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeConfiguration, xerrors.CodeResourceInit:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("failed to encode response", "error", err)
	}
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
