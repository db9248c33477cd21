package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

const (
	defaultCodesLimit = 100
	maxCodesLimit     = 1000
	codesTimeout      = 3 * time.Second
)

// RecentSource lists the recent-codes window.
type RecentSource interface {
	RecentCodes() ([]harvest.Identifier, error)
}

// CodesHandler exposes read-only identifier listings.
type CodesHandler struct {
	known   harvest.CodeStore
	recent  RecentSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewCodesHandler wires the stores and logger. Either store may be nil.
func NewCodesHandler(known harvest.CodeStore, recent RecentSource, logger *zap.Logger) *CodesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodesHandler{
		known:   known,
		recent:  recent,
		timeout: codesTimeout,
		logger:  logger,
	}
}

// ListKnown handles GET /v1/codes?limit=&offset=. It returns
// {"total": n, "codes": [...]} on success, 400 for invalid paging, 503 when
// no store is configured, or 500 if the store fails.
func (h *CodesHandler) ListKnown(w http.ResponseWriter, r *http.Request) {
	if h.known == nil {
		writeError(w, http.StatusServiceUnavailable, "code store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultCodesLimit, maxCodesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	codes, err := h.known.Load(ctx)
	if err != nil {
		h.logger.Error("load known codes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load codes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(codes),
		"codes": page(codes, limit, offset),
	})
}

// ListRecent handles GET /v1/codes/recent, the duplicate-cache window in
// persisted order.
func (h *CodesHandler) ListRecent(w http.ResponseWriter, _ *http.Request) {
	if h.recent == nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	codes, err := h.recent.RecentCodes()
	if err != nil {
		h.logger.Error("load recent codes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load recent codes")
		return
	}
	if codes == nil {
		codes = []harvest.Identifier{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent_codes": codes})
}

func page(codes []harvest.Identifier, limit, offset int) []harvest.Identifier {
	if offset >= len(codes) {
		return []harvest.Identifier{}
	}
	end := min(offset+limit, len(codes))
	return codes[offset:end]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
