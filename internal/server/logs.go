package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"grepwise/internal/engine"
	"grepwise/internal/logentry"
)

// ingestRequest is the JSON intake body. Only message is required;
// timestamp defaults to now, level is derived from the message when
// absent, source defaults to "http".
type ingestRequest struct {
	Timestamp int64             `json:"timestamp,omitempty"`
	Level     string            `json:"level,omitempty"`
	Message   string            `json:"message"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "message is required")
		return
	}

	e := logentry.LogEntry{
		ID:         logentry.NewEntryID(),
		Timestamp:  req.Timestamp,
		Level:      logentry.NormalizeLevel(req.Level),
		Message:    req.Message,
		Source:     req.Source,
		Metadata:   req.Metadata,
		RawContent: req.Message,
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Level == "" {
		e.Level = logentry.DeriveLevel(req.Message)
	}
	if e.Source == "" {
		e.Source = "http"
	}

	if err := s.opts.Engine.Ingest(e); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID.String()})
}

// timeSlot is the wire shape of a histogram bucket.
type timeSlot struct {
	Time  int64 `json:"time"`
	Count int64 `json:"count"`
}

// searchResponse is shared by the search and SPL endpoints.
type searchResponse struct {
	Results   []logentry.LogEntry `json:"results"`
	Total     int                 `json:"total"`
	TimeSlots []timeSlot          `json:"timeSlots,omitempty"`
	Stats     map[string]int64    `json:"stats,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
}

func toSearchResponse(res engine.SearchResult) searchResponse {
	out := searchResponse{
		Results:  res.Entries,
		Total:    res.Total,
		Stats:    res.Stats,
		Warnings: res.Warnings,
	}
	if out.Results == nil {
		out.Results = []logentry.LogEntry{}
	}
	for _, slot := range res.TimeSlots {
		out.TimeSlots = append(out.TimeSlots, timeSlot{Time: slot.Start, Count: slot.Count})
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := searchRequestFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	res, err := s.opts.Engine.Search(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(res))
}

// handleSPL accepts a raw pipeline in the request body. A stats
// pipeline answers with the bucket map alone; anything else answers
// with the full search shape.
func (s *Server) handleSPL(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "read body: "+err.Error())
		return
	}
	start, end, err := timeRangeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	res, err := s.opts.Engine.Search(r.Context(), engine.SearchRequest{
		Query: string(body),
		Start: start,
		End:   end,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if res.IsStats {
		writeJSON(w, http.StatusOK, res.Stats)
		return
	}
	writeJSON(w, http.StatusOK, toSearchResponse(res))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	start, end, err := timeRangeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	n, err := s.opts.Engine.Count(r.Context(), q, start, end)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleLogByID(w http.ResponseWriter, r *http.Request) {
	id, err := logentry.ParseEntryID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid entry id")
		return
	}
	reveal := r.URL.Query().Get("reveal") == "true"
	if reveal && !RevealAllowed(r.Context()) {
		s.fail(w, errUnauthorizedReveal)
		return
	}
	e, ok := s.opts.Engine.GetByID(id, reveal)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func searchRequestFromQuery(r *http.Request) (engine.SearchRequest, error) {
	start, end, err := timeRangeFromQuery(r)
	if err != nil {
		return engine.SearchRequest{}, err
	}
	req := engine.SearchRequest{
		Query: r.URL.Query().Get("q"),
		Start: start,
		End:   end,
	}
	if req.Page, err = intParam(r, "page", 0); err != nil {
		return engine.SearchRequest{}, err
	}
	if req.PageSize, err = intParam(r, "size", 0); err != nil {
		return engine.SearchRequest{}, err
	}
	return req, nil
}

func timeRangeFromQuery(r *http.Request) (int64, int64, error) {
	start, err := int64Param(r, "start", 0)
	if err != nil {
		return 0, 0, err
	}
	end, err := int64Param(r, "end", 0)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return n, nil
}

func int64Param(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return n, nil
}
