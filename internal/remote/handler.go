package remote

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/cors"
)

// maxPullLimit caps the page size a client may request.
const maxPullLimit = 1000

// NewHandler serves origin over HTTP:
//
//	POST /v1/sync/batch   BatchRequest -> BatchResponse
//	GET  /v1/sync/pull    ?since=<cursor>&limit=<n> -> PullResponse
//	GET  /v1/health       HealthInfo (HEAD for probes)
//
// Browser collaborators are allowed from any origin.
func NewHandler(origin Origin, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[origin] ", log.LstdFlags)
	}
	h := &handler{origin: origin, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync/batch", h.handleBatch)
	mux.HandleFunc("GET /v1/sync/pull", h.handlePull)
	mux.HandleFunc("GET /v1/health", h.handleHealth)

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{HeaderProtocol, "Content-Encoding", "Retry-After"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}).Handler(mux)
}

type handler struct {
	origin Origin
	logger *log.Logger
}

func (h *handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !h.checkProtocol(w, r) {
		return
	}
	data, _, err := readBody(r.Body, r.Header.Get("Content-Encoding"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req BatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, errors.New("invalid batch request"))
		return
	}
	for _, item := range req.Operations {
		if item.ID == "" {
			h.writeError(w, r, http.StatusBadRequest, errors.New("operation id is required"))
			return
		}
	}

	resp, err := h.origin.SyncBatch(r.Context(), &req)
	if err != nil {
		h.logger.Printf("Batch from %s failed: %v", req.ClientID, err)
		h.writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *handler) handlePull(w http.ResponseWriter, r *http.Request) {
	if !h.checkProtocol(w, r) {
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, r, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxPullLimit)
	}
	resp, err := h.origin.Pull(r.Context(), r.URL.Query().Get("since"), limit)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := HealthInfo{Status: "ok", Protocol: ProtocolVersion}
	if c, ok := h.origin.(interface{ Len() int }); ok {
		info.Entities = c.Len()
	}
	if r.Method == http.MethodHead {
		w.Header().Set(HeaderProtocol, ProtocolVersion)
		w.WriteHeader(http.StatusOK)
		return
	}
	h.writeJSON(w, r, http.StatusOK, info)
}

func (h *handler) checkProtocol(w http.ResponseWriter, r *http.Request) bool {
	if err := compatible(r.Header.Get(HeaderProtocol)); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	threshold := -1
	if acceptsZstd(r.Header) {
		threshold = CompressThreshold
	}
	body, encoding, err := encodeBody(v, threshold)
	if err != nil {
		h.logger.Printf("Warning: failed to encode response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(HeaderProtocol, ProtocolVersion)
	w.Header().Set("Content-Type", "application/json")
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("Warning: failed to write response: %v", err)
	}
}
