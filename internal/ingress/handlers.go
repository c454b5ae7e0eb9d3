package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/hookflow/internal/diagram"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// Codes used only at the HTTP boundary.
const (
	codeUnauthorized     = "UNAUTHORIZED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = "INTERNAL_ERROR"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// submitResponse lists the executions started for an event.
type submitResponse struct {
	Executions []executionView `json:"executions"`
}

type executionView struct {
	engine.HandleInfo
	Result *store.Execution `json:"result,omitempty"`
}

type executionResponse struct {
	*store.Execution
	Logs []*store.ExecutionLog `json:"logs,omitempty"`
}

type historyResponse struct {
	Executions []store.Execution `json:"executions"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeEngineError maps a structured engine error onto an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	code := schema.CodeOf(err)
	detail := errorDetail{Code: code, Message: schema.PublicMessage(err)}
	var se *schema.Error
	if errors.As(err, &se) {
		detail.Message = schema.SanitizeMessage(se.Message)
		detail.Details = se.Details
	}
	if code == "" {
		detail.Code = codeInternal
	}
	writeJSON(w, statusFor(code), errorBody{Error: detail})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeExpression:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case schema.ErrCodeEngineStopped, schema.ErrCodeCircuitOpen, schema.ErrCodeActionUnavailable:
		return http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// setRateHeaders is a no-op when no quota applied (unlimited or rejected
// before admission).
func setRateHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit <= 0 {
		return
	}
	for k, v := range info.Headers() {
		w.Header().Set(k, v)
	}
}

// caller is the rate-limit identity of a request.
type caller struct {
	subject string
	tier    ratelimit.Tier
}

// identify derives the rate-limit subject and tier. A known API key wins;
// an unknown one is rejected. Otherwise the tier headers are honored only when
// trusted, and the subject defaults to the client address.
func (s *Server) identify(r *http.Request) (caller, bool) {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		tier, ok := s.cfg.APIKeys[key]
		if !ok {
			return caller{}, false
		}
		sum := sha256.Sum256([]byte(key))
		return caller{subject: "key:" + hex.EncodeToString(sum[:6]), tier: ratelimit.ParseTier(tier)}, true
	}

	c := caller{subject: "ip:" + clientIP(r), tier: ratelimit.TierAnonymous}
	if s.cfg.TrustTierHeader {
		if t := r.Header.Get(HeaderTier); t != "" {
			c.tier = ratelimit.ParseTier(t)
		}
		if sub := r.Header.Get(HeaderSubject); sub != "" {
			c.subject = sub
		}
	}
	return c, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeBody reads a JSON body into v. An empty body is an error unless
// optional is set, in which case v is left untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON: %s", err.Error())
	}
	return nil
}

// waitFor parses the optional wait query parameter.
func (s *Server) waitFor(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("wait %q is not a valid duration", raw)
	}
	return min(d, s.cfg.MaxWait), nil
}

// submit admits ev on behalf of the caller and writes the response. With a
// positive wait the response carries each run's final record when it
// finishes in time.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, ev schema.Event, single bool) {
	c, ok := s.identify(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "unknown API key")
		return
	}
	wait, err := s.waitFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}
	ev.Subject = c.subject
	ev.Tier = string(c.tier)

	handles, info, err := s.engine.SubmitWithInfo(r.Context(), ev)
	setRateHeaders(w, info)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	views := make([]executionView, len(handles))
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		for i, h := range handles {
			if res, err := h.Wait(ctx); err == nil {
				views[i].Result = res
			}
		}
		cancel()
	}
	for i, h := range handles {
		views[i].HandleInfo = h.Info()
	}

	status := http.StatusAccepted
	if len(handles) == 0 {
		status = http.StatusOK
	}
	if single && len(views) == 1 {
		writeJSON(w, status, views[0])
		return
	}
	writeJSON(w, status, submitResponse{Executions: views})
}

// handleSubmit accepts a webhook event and starts every matching workflow.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var ev schema.Event
	if err := s.decodeBody(w, r, &ev, false); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}
	if ev.Source == "" {
		ev.Source = "http"
	}
	s.submit(w, r, ev, false)
}

// handleTrigger runs one workflow by name, bypassing its trigger conditions.
// The body, if any, is the payload.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := s.decodeBody(w, r, &payload, true); err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}
	ev := schema.Event{
		Type:        schema.EventTypeManual,
		Source:      "http",
		Workflow:    mux.Vars(r)["name"],
		ExecutionID: r.URL.Query().Get("execution_id"),
		Payload:     payload,
	}
	s.submit(w, r, ev, true)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.engine.GetExecution(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := executionResponse{Execution: rec}
	if withLogs, _ := strconv.ParseBool(r.URL.Query().Get("logs")); withLogs {
		logs, err := s.engine.ExecutionLogs(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.Logs = logs
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDiagram renders a registered workflow. With ?execution=<id> the
// diagram carries that execution's per-action status.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	wf, ok := s.engine.Workflow(name)
	if !ok {
		writeError(w, http.StatusNotFound, schema.ErrCodeNotFound, fmt.Sprintf("workflow %q is not registered", name))
		return
	}

	var run *diagram.Run
	if id := r.URL.Query().Get("execution"); id != "" {
		rec, err := s.engine.GetExecution(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		logs, err := s.engine.ExecutionLogs(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		run = &diagram.Run{Execution: rec, Logs: logs}
	}

	model, err := diagram.Build(wf, run)
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	switch format {
	case "", diagram.FormatMermaid, diagram.FormatASCII, string(diagram.FormatPNG), string(diagram.FormatSVG):
	default:
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, fmt.Sprintf("format %q is not one of mermaid, ascii, png, svg", format))
		return
	}
	data, contentType, err := diagram.Render(r.Context(), model, format)
	if err != nil {
		s.logger.Error("render diagram", "workflow", name, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "diagram rendering failed")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetStatus())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetMetrics())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "limit: "+err.Error())
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "offset: "+err.Error())
		return
	}
	execs := s.engine.GetHistory(limit, offset)
	if execs == nil {
		execs = []store.Execution{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Executions: execs, Limit: limit, Offset: offset})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.GetStatus()
	status := http.StatusOK
	if st.State != engine.StateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"state": st.State})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", raw)
	}
	return n, nil
}
