package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type idParams struct {
	ID string `json:"optimization_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		var req StartRequest
		if err = decodeParams(request.Params, &req); err == nil {
			result, err = s.startOptimization(req)
		}
	case "optimization.status":
		var p idParams
		if err = decodeIDParams(request.Params, &p); err == nil {
			result, err = s.optimizationStatus(p.ID)
		}
	case "optimization.cancel":
		var p idParams
		if err = decodeIDParams(request.Params, &p); err == nil {
			if err = s.cancelOptimization(p.ID); err == nil {
				result = map[string]string{"status": "cancellation requested"}
			}
		}
	case "optimization.list":
		result = s.listOptimizations()
	case "objectives.list":
		result = s.objectives.List()
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := rpcServerError
		if errors.Is(err, errInvalidParams) {
			code = rpcInvalidParams
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	// Send successful response
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// decodeParams reads the first positional parameter into v.
func decodeParams(params []json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing required parameters", errInvalidParams)
	}
	if err := json.Unmarshal(params[0], v); err != nil {
		return fmt.Errorf("%w: expected an object: %v", errInvalidParams, err)
	}
	return nil
}

func decodeIDParams(params []json.RawMessage, p *idParams) error {
	if err := decodeParams(params, p); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("%w: optimization_id is required", errInvalidParams)
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC request error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
