package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/exp/jsonrpc2"

	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/channel"
	"github.com/agentbox/agentbox/internal/store"
)

// The control surface speaks JSON-RPC 2.0 over HTTP. Requests are converted
// to jsonrpc2 requests and dispatched by method name.

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendRPCError(w, nil, -32700, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendRPCError(w, req.ID, -32600, "Invalid Request")
		return
	}

	var id jsonrpc2.ID
	switch v := req.ID.(type) {
	case float64:
		id = jsonrpc2.Int64ID(int64(v))
	case string:
		id = jsonrpc2.StringID(v)
	case nil:
	default:
		s.sendRPCError(w, req.ID, -32600, "Invalid Request ID")
		return
	}

	result, err := s.dispatchRPC(r, &jsonrpc2.Request{ID: id, Method: req.Method, Params: req.Params})
	if err != nil {
		s.sendRPCError(w, req.ID, -32603, err.Error())
		return
	}
	s.sendRPCResult(w, req.ID, result)
}

type publishParams struct {
	Channel   string          `json:"channel"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

type statsResult struct {
	Channels map[string]int `json:"channels"`
}

type createTaskParams struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
}

type taskStatusParams struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type createSandboxParams struct {
	UserID   string `json:"userId"`
	Template string `json:"template"`
}

type ingestLogParams struct {
	SandboxID string         `json:"sandboxId"`
	TaskID    string         `json:"taskId,omitempty"`
	LogType   string         `json:"logType"`
	Content   string         `json:"content"`
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type testResultParams struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	TestName   string `json:"testName"`
	Status     string `json:"status"`
	DurationMS int64  `json:"durationMs"`
}

type logsSinceParams struct {
	SandboxID string `json:"sandboxId"`
	AfterSeq  int64  `json:"afterSeq"`
	Limit     int    `json:"limit,omitempty"`
}

type logEntry struct {
	Seq       int64   `json:"sequence_number"`
	ID        string  `json:"id"`
	SandboxID string  `json:"sandboxId"`
	TaskID    string  `json:"taskId,omitempty"`
	LogType   string  `json:"logType"`
	Content   string  `json:"content"`
	Source    string  `json:"source,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func (s *Server) dispatchRPC(r *http.Request, req *jsonrpc2.Request) (interface{}, error) {
	ctx := r.Context()
	slog.DebugContext(ctx, "rpc request", slog.String("method", req.Method))

	switch req.Method {
	case "createTask", "updateTaskStatus", "createSandbox", "ingestLog", "recordTestResult", "logsSince":
		if s.ingest == nil {
			return nil, fmt.Errorf("ingestion is not configured")
		}
	}

	switch req.Method {
	case "publish":
		var p publishParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		if !channel.Valid(p.Channel) {
			return nil, fmt.Errorf("%w: unknown channel %q", jsonrpc2.ErrInvalidParams, p.Channel)
		}
		var payload any
		if len(p.Payload) > 0 {
			payload = p.Payload
		} else {
			payload = struct{}{}
		}
		s.emitter.Emit(ctx, p.Channel, p.EventType, payload)
		return map[string]bool{"accepted": true}, nil

	case "stats":
		out := statsResult{Channels: make(map[string]int)}
		for _, name := range s.hub.Channels() {
			out.Channels[name] = s.hub.SubscriberCount(name)
		}
		return out, nil

	case "createTask":
		var p createTaskParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		task, err := s.ingest.CreateTask(ctx, p.UserID, p.Title)
		if err != nil {
			return nil, err
		}
		return map[string]string{"taskId": task.ID, "status": task.Status}, nil

	case "updateTaskStatus":
		var p taskStatusParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		if err := s.ingest.UpdateTaskStatus(ctx, p.TaskID, p.Status, p.Detail); err != nil {
			return nil, err
		}
		return map[string]bool{"updated": true}, nil

	case "createSandbox":
		var p createSandboxParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		sb, err := s.ingest.CreateSandbox(ctx, p.UserID, p.Template)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sandboxId": sb.ID, "status": sb.Status}, nil

	case "ingestLog":
		var p ingestLogParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		rec := &store.LogRecord{
			SandboxID: p.SandboxID,
			TaskID:    p.TaskID,
			LogType:   p.LogType,
			Content:   p.Content,
			Source:    p.Source,
		}
		if err := s.ingest.IngestLog(ctx, rec, p.Metadata); err != nil {
			return nil, err
		}
		return map[string]int64{"sequence_number": rec.Seq}, nil

	case "recordTestResult":
		var p testResultParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		r := &store.TestResult{
			SessionID:  p.SessionID,
			UserID:     p.UserID,
			TestName:   p.TestName,
			Status:     p.Status,
			DurationMS: p.DurationMS,
		}
		if err := s.ingest.RecordTestResult(ctx, r); err != nil {
			return nil, err
		}
		return map[string]string{"resultId": r.ID}, nil

	case "logsSince":
		var p logsSinceParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", jsonrpc2.ErrInvalidParams, err)
		}
		records, err := s.ingest.LogsSince(ctx, p.SandboxID, p.AfterSeq, p.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]logEntry, 0, len(records))
		for _, rec := range records {
			out = append(out, logEntry{
				Seq:       rec.Seq,
				ID:        rec.ID,
				SandboxID: rec.SandboxID,
				TaskID:    rec.TaskID,
				LogType:   rec.LogType,
				Content:   rec.Content,
				Source:    rec.Source,
				Timestamp: bus.Stamp(rec.CreatedAt),
			})
		}
		return map[string]any{"logs": out}, nil

	case "sweepLogs":
		if s.sweep == nil {
			return nil, fmt.Errorf("sweep is not configured")
		}
		if err := s.sweep(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"swept": true}, nil

	default:
		slog.ErrorContext(ctx, "rpc method not found", slog.String("method", req.Method))
		return nil, fmt.Errorf("%w: %s", jsonrpc2.ErrMethodNotFound, req.Method)
	}
}

func (s *Server) sendRPCResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) sendRPCError(w http.ResponseWriter, id interface{}, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: message},
		ID:      id,
	})
}
