package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
	"github.com/koopa0/system-design/broadcast-fabric/pkg/logger"
)

// Handler 設定路由
//
// 命名空間路徑參數不含開頭的 '/'（"chat" 代表 "/chat"）；
// API 路由中根命名空間用保留段 "_"，WebSocket 入口直接用 /ws/。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return s.recoverer(s.loggerMiddleware(handler))
	}

	// WebSocket 入口
	mux.HandleFunc("GET /ws/{namespace...}", s.recoverer(s.serveWS))

	// 叢集查詢 API
	mux.HandleFunc("GET /api/v1/namespaces/{ns}/rooms/{room}/size", wrap(s.roomSize))
	mux.HandleFunc("GET /api/v1/namespaces/{ns}/connections", wrap(s.connections))

	// 健康檢查與指標
	mux.HandleFunc("GET /health", wrap(s.health))
	mux.HandleFunc("GET /stats", wrap(s.stats))
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mux
}

// serveWS 升級連線並交給命名空間准入
//
// 准入失敗時客戶端會收到 connect_error，然後連線被關閉。
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	hs := fabric.Handshake{
		Namespace:  r.PathValue("namespace"),
		Token:      bearerToken(r),
		Query:      r.URL.Query(),
		RemoteAddr: r.RemoteAddr,
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回應 HTTP 錯誤
		s.logger.Warn("升級 WebSocket 失敗", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	session := newWSSession(conn, s.cfg.Server.SendQueue, s.logger)
	go session.writePump()

	ctx := logger.WithNamespace(r.Context(), normalizeNamespace(hs.Namespace))
	c, err := s.Accept(ctx, session, hs)
	if err != nil {
		return
	}
	session.readPump(c, s.cfg.Server.MaxMessageSize)
}

// bearerToken 從 Authorization: Bearer 取出 token
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// rootSegment API 路徑中代表根命名空間的段
const rootSegment = "_"

// apiNamespace 把 API 路徑段轉成命名空間名稱
func apiNamespace(segment string) string {
	if segment == rootSegment {
		return "/"
	}
	return normalizeNamespace(segment)
}

func (s *Server) namespaceParam(w http.ResponseWriter, r *http.Request) (*fabric.Namespace, bool) {
	name := apiNamespace(r.PathValue("ns"))
	ns, ok := s.Lookup(name)
	if !ok {
		s.errorResponse(w, apperrors.ErrNamespaceNotFound.WithDetails(name))
		return nil, false
	}
	return ns, true
}

// roomSize 叢集範圍的房間人數
func (s *Server) roomSize(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespaceParam(w, r)
	if !ok {
		return
	}

	room := r.PathValue("room")
	size, err := ns.RoomSize(r.Context(), room)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonResponse(w, map[string]any{
		"namespace": ns.Name(),
		"room":      room,
		"size":      size,
	}, http.StatusOK)
}

// connections 叢集範圍的連線 ID（?room= 與 ?except= 可重複）
func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespaceParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	ids, err := ns.FetchConnections(r.Context(), fabric.FetchOptions{
		Rooms:  q["room"],
		Except: q["except"],
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonResponse(w, map[string]any{
		"namespace":   ns.Name(),
		"connections": ids,
		"count":       len(ids),
	}, http.StatusOK)
}

// health 健康檢查
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{
		"status":  "healthy",
		"node_id": s.node.ID(),
		"time":    time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.Stats(r.Context()), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 依錯誤碼返回對應的狀態碼
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsInvalidInput(err):
		status = http.StatusBadRequest
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	case apperrors.IsTimeout(err):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("處理請求失敗", "error", err)
	}
	s.jsonResponse(w, map[string]any{
		"error": apperrors.Reason(err),
	}, status)
}

// loggerMiddleware 日誌中間件
func (s *Server) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = fabric.NewID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		s.logger.InfoContext(ctx, "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (s *Server) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				s.jsonResponse(w, map[string]any{"error": "內部伺服器錯誤"}, http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
