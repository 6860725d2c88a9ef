package proxy

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchgate/internal/config"
	"batchgate/internal/jsonrpc"
)

// Handler handles HTTP JSON-RPC requests
type Handler struct {
	router         *Router
	maxBodySize    int64
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(router *Router, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		router:         router,
		maxBodySize:    cfg.MaxBodySize,
		requestTimeout: cfg.GetRequestTimeoutDuration(),
		logger:         logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	group, err := h.router.GetGroupFromPath(r.URL.Path)
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
		return
	}

	var body []byte
	if h.maxBodySize > 0 {
		body, err = io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
		if err == nil && int64(len(body)) > h.maxBodySize {
			h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "request body too large"))
			return
		}
	} else {
		body, err = io.ReadAll(r.Body)
	}
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeParseError, "failed to read request body"))
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.ErrParse)
		return
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	responses := ExecuteAll(ctx, group, requests)

	switch {
	case len(responses) == 0:
		w.WriteHeader(http.StatusNoContent)
	case isBatch:
		h.writeBatchResponse(w, responses)
	default:
		h.writeResponse(w, responses[0])
	}
}

// ExecuteAll runs requests concurrently through group so that they can share
// upstream batches. Responses keep request order; notifications get none.
func ExecuteAll(ctx context.Context, group *Group, requests []*jsonrpc.Request) []*jsonrpc.Response {
	responses := make([]*jsonrpc.Response, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		if err := req.Validate(); err != nil {
			responses[i] = jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
			continue
		}
		wg.Add(1)
		go func(i int, req *jsonrpc.Request) {
			defer wg.Done()
			responses[i] = group.Execute(ctx, req)
		}(i, req)
	}
	wg.Wait()

	out := responses[:0]
	for i, resp := range responses {
		if requests[i].IsNotification() {
			continue
		}
		out = append(out, resp)
	}
	return out
}

// writeResponse writes a JSON-RPC response
func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// writeBatchResponse writes a batch of JSON-RPC responses
func (h *Handler) writeBatchResponse(w http.ResponseWriter, responses []*jsonrpc.Response) {
	data, err := jsonrpc.MarshalBatchResponse(responses)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal batch response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// writeJSONRPCError writes a JSON-RPC error response
func (h *Handler) writeJSONRPCError(w http.ResponseWriter, id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	h.writeResponse(w, jsonrpc.NewErrorResponse(id, rpcErr))
}

// writeError writes a plain HTTP error
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
