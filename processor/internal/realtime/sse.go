package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cvanalytics/pipeline/common/httputil"
	"github.com/cvanalytics/pipeline/common/logging"
)

// DefaultHeartbeat is the interval of keep-alive comments on idle streams.
const DefaultHeartbeat = 15 * time.Second

// StreamHandler serves GET /v1/stream as server-sent events: one "change"
// event per Change, snapshot first. When tokens is nil the stream is open.
type StreamHandler struct {
	pub       *Publisher
	tokens    *TokenValidator
	heartbeat time.Duration
	logger    *logging.Logger
}

func NewStreamHandler(pub *Publisher, tokens *TokenValidator, logger *logging.Logger) *StreamHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StreamHandler{pub: pub, tokens: tokens, heartbeat: DefaultHeartbeat, logger: logger}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	// EventSource cannot set headers.
	return r.URL.Query().Get("access_token")
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method is not allowed")
		return
	}

	if h.tokens != nil {
		if _, err := h.tokens.Validate(bearerToken(r), ScopeStream); err != nil {
			code := "invalid_token"
			if errors.Is(err, ErrMissingToken) {
				code = "missing_token"
			}
			httputil.WriteError(w, http.StatusUnauthorized, code, "a valid stream token is required")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported")
		return
	}

	sub, err := h.pub.Subscribe(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "publisher is shutting down")
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case c, ok := <-sub.Updates():
			if !ok {
				if sub.Dropped() {
					_, _ = fmt.Fprint(w, "event: dropped\ndata: {}\n\n")
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				h.logger.ErrorContext(r.Context(), "encode realtime change", logging.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
