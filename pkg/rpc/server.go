// Package rpc serves the node's JSON-RPC 2.0 API over HTTP.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/cluster"
	"github.com/code-payments/escrow-server/pkg/metrics"
	"github.com/code-payments/escrow-server/pkg/rate"
)

const (
	jsonRPCVersion = "2.0"

	maxRequestBodySize = 1 << 20
	maxBatchSize       = 100

	clientIPHeader = "X-Forwarded-For"

	defaultVersion = "dev"

	methodDurationMetricName = "Rpc%sDuration"
	methodEventName          = "RpcMethodCall"
	rateLimitedMetricName    = "RpcRateLimited"
)

type handler func(ctx context.Context, params []json.RawMessage) (interface{}, error)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Server dispatches JSON-RPC requests to the bank.
type Server struct {
	log *logrus.Entry

	bank    *bank.Bank
	limiter rate.Limiter
	nr      *newrelic.Application
	cluster cluster.Cluster
	self    ClusterNode

	methods map[string]handler
}

// Option configures a Server.
type Option func(s *Server)

// WithLimiter rate limits requests per client IP. A rejected request receives
// HTTP 429.
func WithLimiter(limiter rate.Limiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithNewRelic records a New Relic transaction per method call.
func WithNewRelic(app *newrelic.Application) Option {
	return func(s *Server) {
		s.nr = app
	}
}

func NewServer(b *bank.Bank, opts ...Option) *Server {
	s := &Server{
		log:     logrus.StandardLogger().WithField("type", "rpc/server"),
		bank:    b,
		limiter: &rate.NoLimiter{},
		self:    ClusterNode{Version: defaultVersion},
	}
	for _, o := range opts {
		o(s)
	}

	s.methods = map[string]handler{
		"getAccountInfo":                    s.getAccountInfo,
		"getBalance":                        s.getBalance,
		"getMinimumBalanceForRentExemption": s.getMinimumBalanceForRentExemption,
		"getLatestBlockhash":                s.getLatestBlockhash,
		"getSlot":                           s.getSlot,
		"getTokenAccountBalance":            s.getTokenAccountBalance,
		"getSignatureStatuses":              s.getSignatureStatuses,
		"sendTransaction":                   s.sendTransaction,
		"requestAirdrop":                    s.requestAirdrop,
		"getEscrow":                         s.getEscrow,
		"getEscrowAuthority":                s.getEscrowAuthority,
		"getClusterNodes":                   s.getClusterNodes,
		"getIdentity":                       s.getIdentity,
		"getVersion":                        s.getVersion,
		"getHealth":                         s.getHealth,
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	log := s.log.WithField("client_ip", ip)
	ctx := metrics.NewContext(r.Context(), s.nr)

	allowed, err := s.limiter.Allow(ip)
	if err != nil {
		log.WithError(err).Warn("failure checking rate limit")
	} else if !allowed {
		log.Debug("rate limited")
		metrics.RecordCount(ctx, rateLimitedMetricName, 1)
		writeJSON(w, http.StatusTooManyRequests, &response{
			JSONRPC: jsonRPCVersion,
			ID:      json.RawMessage("null"),
			Error:   newError(rateLimitedCode, "rate limited", nil),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, newError(parseErrorCode, "failed to read request body", nil)))
		return
	}
	if len(body) > maxRequestBodySize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(nil, newError(invalidRequestCode, "request too large", nil)))
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			writeJSON(w, http.StatusOK, errorResponse(nil, newError(parseErrorCode, "parse error", nil)))
			return
		}
		if len(batch) == 0 {
			writeJSON(w, http.StatusOK, errorResponse(nil, newError(invalidRequestCode, "empty batch", nil)))
			return
		}
		if len(batch) > maxBatchSize {
			writeJSON(w, http.StatusOK, errorResponse(nil, newError(invalidRequestCode, "batch too large", nil)))
			return
		}

		var responses []*response
		for _, raw := range batch {
			if resp := s.handle(ctx, log, raw); resp != nil {
				responses = append(responses, resp)
			}
		}

		if len(responses) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, responses)
		return
	}

	resp := s.handle(ctx, log, trimmed)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handle executes a single request. Notifications produce no response.
func (s *Server) handle(ctx context.Context, log *logrus.Entry, raw json.RawMessage) *response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, newError(parseErrorCode, "parse error", nil))
	}
	if req.JSONRPC != jsonRPCVersion || len(req.Method) == 0 {
		return errorResponse(req.ID, newError(invalidRequestCode, "invalid request", nil))
	}

	log = log.WithField("method", req.Method)

	h, ok := s.methods[req.Method]
	if !ok {
		return s.reply(req, nil, newError(methodNotFoundCode, "Method not found", nil))
	}

	params, perr := decodeParams(req.Params)
	if perr != nil {
		return s.reply(req, nil, perr)
	}

	ctx, end := s.startTransaction(ctx, req.Method)
	start := time.Now()

	result, err := h(ctx, params)

	metrics.RecordDuration(ctx, methodMetricName(req.Method), time.Since(start))
	metrics.RecordEvent(ctx, methodEventName, map[string]interface{}{
		"method":  req.Method,
		"success": err == nil,
	})
	end(err)

	if err != nil {
		rpcErr := asError(err)
		if rpcErr.Code == internalErrorCode {
			log.WithError(err).Warn("failure handling request")
		} else {
			log.WithError(err).Debug("request rejected")
		}
		return s.reply(req, nil, rpcErr)
	}

	return s.reply(req, result, nil)
}

func (s *Server) reply(req request, result interface{}, err *Error) *response {
	if len(req.ID) == 0 {
		return nil
	}
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return &response{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result}
}

func (s *Server) startTransaction(ctx context.Context, method string) (context.Context, func(error)) {
	if s.nr == nil {
		return ctx, func(error) {}
	}

	txn := s.nr.StartTransaction("rpc/" + method)
	return newrelic.NewContext(ctx, txn), func(err error) {
		if err != nil {
			txn.NoticeError(err)
		}
		txn.End()
	}
}

func decodeParams(raw json.RawMessage) ([]json.RawMessage, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var params []json.RawMessage
	if err := json.Unmarshal(trimmed, &params); err != nil {
		return nil, newError(invalidParamsCode, "params must be an array", nil)
	}
	return params, nil
}

func methodMetricName(method string) string {
	return fmt.Sprintf(methodDurationMetricName, strings.ToUpper(method[:1])+method[1:])
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get(clientIPHeader); len(forwarded) > 0 {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func errorResponse(id json.RawMessage, err *Error) *response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &response{JSONRPC: jsonRPCVersion, ID: id, Error: err}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
