package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Handler HTTP 請求處理器
//
// 對請求層暴露計數管線的公開操作面：
// 施加增量、讀取快照、手動觸發 flush。
type Handler struct {
	stats   *Stats
	flusher *Flusher
	logger  *slog.Logger
}

// NewHandler 建立 HTTP 處理器
func NewHandler(stats *Stats, flusher *Flusher, logger *slog.Logger) *Handler {
	return &Handler{
		stats:   stats,
		flusher: flusher,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// API 路由
	mux.HandleFunc("POST /api/v1/notes/{id}/stats/{field}", wrap(h.changeField))
	mux.HandleFunc("GET /api/v1/notes/{id}/stats", wrap(h.getStats))
	mux.HandleFunc("POST /api/v1/stats/flush", wrap(h.flush))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))

	return mux
}

// 請求和響應結構
type changeFieldRequest struct {
	Delta int64 `json:"delta,omitempty"`
}

type statsResponse struct {
	Success bool      `json:"success"`
	Stats   *Snapshot `json:"stats,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// changeField 處理計數增量請求
func (h *Handler) changeField(w http.ResponseWriter, r *http.Request) {
	noteID := h.parseNoteID(r)
	field := r.PathValue("field")

	var req changeFieldRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Delta == 0 {
		req.Delta = 1
	}

	// 無效 id 與未知欄位在門面層以零值快照吸收，不是 HTTP 錯誤
	snap := h.stats.ChangeField(r.Context(), noteID, field, req.Delta)

	h.respondJSON(w, statsResponse{
		Success: true,
		Stats:   &snap,
	})
}

// getStats 讀取當前計數快照
func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	noteID := h.parseNoteID(r)

	snap := h.stats.GetStats(r.Context(), noteID)

	h.respondJSON(w, statsResponse{
		Success: true,
		Stats:   &snap,
	})
}

// flush 手動觸發一輪 flush（正常情況由排程驅動）
func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	h.flusher.FlushAll(r.Context())
	h.respondJSON(w, statsResponse{Success: true})
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// parseNoteID 解析路徑中的筆記 id，非數字返回 0（門面層視為無效）
func (h *Handler) parseNoteID(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// 中間件

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered", "error", err)
				h.respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(statsResponse{
		Success: false,
		Error:   message,
	}); err != nil {
		h.logger.Error("failed to encode error response", "error", err, "message", message)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
