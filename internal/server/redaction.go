package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"grepwise/internal/redact"
)

// redactionView is the GET response: the grouped config plus the
// flattened key and pattern lists derived from it.
type redactionView struct {
	Groups   redact.Config `json:"groups"`
	Keys     []string      `json:"keys"`
	Patterns []string      `json:"patterns"`
}

func (s *Server) handleGetRedaction(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.opts.Redaction.Load()
	if err != nil {
		s.fail(w, err)
		return
	}
	view, err := cfg.WithDefaults().View()
	if err != nil {
		s.fail(w, err)
		return
	}
	if cfg == nil {
		cfg = redact.Config{}
	}
	writeJSON(w, http.StatusOK, redactionView{
		Groups:   cfg,
		Keys:     view.Keys,
		Patterns: view.Patterns,
	})
}

// handleSetRedaction replaces the stored config. Only the grouped
// format is accepted over the API; the flat legacy shape is migrated
// on disk load but rejected here.
func (s *Server) handleSetRedaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", "read body: "+err.Error())
		return
	}
	cfg, err := decodeGroupedConfig(body)
	if err != nil {
		s.fail(w, err)
		return
	}
	// Update first so a config that fails to compile never lands on
	// disk.
	if err := s.opts.Redactor.Update(cfg); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.opts.Redaction.Save(cfg); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("redaction config replaced", "groups", len(cfg))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReloadRedaction re-reads the config file and swaps it into the
// live redactor.
func (s *Server) handleReloadRedaction(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.opts.Redaction.Load()
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.opts.Redactor.Update(cfg); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("redaction config reloaded", "groups", len(cfg))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeGroupedConfig parses a grouped config document, refusing the
// legacy flat {keys,patterns} shape.
func decodeGroupedConfig(data []byte) (redact.Config, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", redact.ErrBadConfig, err)
	}
	for name, raw := range probe {
		if name == "keys" || name == "patterns" {
			var arr []string
			if json.Unmarshal(raw, &arr) == nil {
				return nil, fmt.Errorf("%w: flat format not accepted, use grouped properties", redact.ErrBadConfig)
			}
		}
	}
	var cfg redact.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", redact.ErrBadConfig, err)
	}
	return cfg, nil
}
