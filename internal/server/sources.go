package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"grepwise/internal/config"
)

// sourcePayload is the wire shape for sources. Syslog sources carry a
// port and protocol instead of the internal listen address.
type sourcePayload struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	SourceType     string `json:"sourceType"`
	Directory      string `json:"directory,omitempty"`
	FilePattern    string `json:"filePattern,omitempty"`
	ScanIntervalMs int64  `json:"scanIntervalMs,omitempty"`
	SyslogPort     int    `json:"syslogPort,omitempty"`
	SyslogProtocol string `json:"syslogProtocol,omitempty"`
	Enabled        bool   `json:"enabled"`
}

func (p sourcePayload) toSource() (config.Source, error) {
	src := config.Source{
		ID:             p.ID,
		Name:           p.Name,
		Directory:      p.Directory,
		Pattern:        p.FilePattern,
		ScanIntervalMs: p.ScanIntervalMs,
		Enabled:        p.Enabled,
	}
	switch strings.ToUpper(p.SourceType) {
	case "FILE":
		src.Type = config.SourceFile
	case "HTTP":
		src.Type = config.SourceHTTP
	case "SYSLOG":
		if p.SyslogPort <= 0 || p.SyslogPort > 65535 {
			return config.Source{}, fmt.Errorf("syslog source needs a valid port, got %d", p.SyslogPort)
		}
		switch strings.ToUpper(p.SyslogProtocol) {
		case "", "UDP":
			src.Type = config.SourceSyslogUDP
		case "TCP":
			src.Type = config.SourceSyslogTCP
		default:
			return config.Source{}, fmt.Errorf("unknown syslog protocol %q", p.SyslogProtocol)
		}
		src.ListenAddr = fmt.Sprintf(":%d", p.SyslogPort)
	default:
		return config.Source{}, fmt.Errorf("unknown source type %q", p.SourceType)
	}
	return src, nil
}

func fromSource(src config.Source) sourcePayload {
	p := sourcePayload{
		ID:             src.ID,
		Name:           src.Name,
		Directory:      src.Directory,
		FilePattern:    src.Pattern,
		ScanIntervalMs: src.ScanIntervalMs,
		Enabled:        src.Enabled,
	}
	switch src.Type {
	case config.SourceFile:
		p.SourceType = "FILE"
	case config.SourceHTTP:
		p.SourceType = "HTTP"
	case config.SourceSyslogUDP:
		p.SourceType = "SYSLOG"
		p.SyslogProtocol = "UDP"
		p.SyslogPort = portOf(src.ListenAddr)
	case config.SourceSyslogTCP:
		p.SourceType = "SYSLOG"
		p.SyslogProtocol = "TCP"
		p.SyslogPort = portOf(src.ListenAddr)
	}
	return p
}

func portOf(addr string) int {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return 0
	}
	var port int
	fmt.Sscanf(addr[idx+1:], "%d", &port)
	return port
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	list := s.opts.Sources.List()
	out := make([]sourcePayload, 0, len(list))
	for _, src := range list {
		out = append(out, fromSource(src))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var p sourcePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", "invalid JSON body: "+err.Error())
		return
	}
	src, err := p.toSource()
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", err.Error())
		return
	}
	created, err := s.opts.Sources.Create(src)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", err.Error())
		return
	}
	if created.Enabled && s.opts.StartSource != nil {
		if err := s.opts.StartSource(created); err != nil {
			s.logger.Warn("source created but not started", "id", created.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, fromSource(created))
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sources.Delete(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
