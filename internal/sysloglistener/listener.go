package sysloglistener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"grepwise/internal/buffer"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
)

// maxDatagram bounds a single UDP datagram or TCP frame.
const maxDatagram = 64 * 1024

// Emit hands one parsed entry downstream.
type Emit func(e logentry.LogEntry) error

// Config describes one syslog source. Either address may be empty to
// disable that protocol.
type Config struct {
	SourceID    string
	Name        string
	UDPAddr     string
	TCPAddr     string
	ReadTimeout time.Duration // per-connection TCP read timeout, default 5m
}

// Listener runs the UDP and TCP loops for one source. Overload policy
// is drop: entries the buffer cannot take are counted and discarded,
// since syslog has no way to push back on the sender.
type Listener struct {
	cfg    Config
	emit   Emit
	logger *slog.Logger
	now    func() time.Time

	// Written from the UDP loop and every TCP connection goroutine.
	dropped atomic.Uint64
}

func New(cfg Config, emit Emit, logger *slog.Logger) (*Listener, error) {
	if cfg.UDPAddr == "" && cfg.TCPAddr == "" {
		return nil, errors.New("syslog: no listen address configured")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	return &Listener{
		cfg:    cfg,
		emit:   emit,
		logger: logging.Default(logger).With("component", "syslog", "source", cfg.Name),
		now:    time.Now,
	}, nil
}

// Run serves until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if l.cfg.UDPAddr != "" {
		g.Go(func() error { return l.runUDP(ctx) })
	}
	if l.cfg.TCPAddr != "" {
		g.Go(func() error { return l.runTCP(ctx) })
	}
	return g.Wait()
}

func (l *Listener) runUDP(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", l.cfg.UDPAddr)
	if err != nil {
		return fmt.Errorf("syslog udp listen: %w", err)
	}
	defer pc.Close()
	l.logger.Info("syslog udp listening", "addr", pc.LocalAddr().String())

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Short deadline so ctx cancellation is noticed promptly.
		pc.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("syslog udp read: %w", err)
		}
		if n == 0 {
			continue
		}
		l.deliver(buf[:n])
	}
}

func (l *Listener) runTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("syslog tcp listen: %w", err)
	}
	defer ln.Close()
	l.logger.Info("syslog tcp listening", "addr", ln.Addr().String())

	tcpLn := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tcpLn.SetDeadline(time.Now().Add(time.Second))
		conn, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("syslog tcp accept: %w", err)
		}
		go l.handleConn(ctx, conn)
	}
}

// handleConn reads frames from one TCP connection. Both newline
// framing and octet counting (RFC6587) are accepted; the leading byte
// of each frame tells them apart.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, maxDatagram)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		frame, err := readTCPFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isTimeout(err) {
				l.logger.Debug("syslog tcp connection dropped", "error", err)
			}
			return
		}
		if len(frame) > 0 {
			l.deliver(frame)
		}
	}
}

// readTCPFrame reads one message: "N msg" octet counting when the
// stream starts with digits, newline framing otherwise.
func readTCPFrame(r *bufio.Reader) ([]byte, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0] >= '1' && first[0] <= '9' {
		digits, err := r.ReadBytes(' ')
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(string(digits[:len(digits)-1]))
		if err != nil || n <= 0 || n > maxDatagram {
			return nil, fmt.Errorf("bad octet count %q", digits)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, err
		}
		return frame, nil
	}
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return trimLine(line), nil
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// deliver parses the payload and pushes the entry. Buffer overload
// drops the message.
func (l *Listener) deliver(payload []byte) {
	e := l.toEntry(payload)
	if err := l.emit(e); err != nil {
		if errors.Is(err, buffer.ErrFull) {
			if n := l.dropped.Add(1); n%1000 == 1 {
				l.logger.Warn("dropping syslog messages on backpressure", "dropped", n)
			}
			return
		}
		l.logger.Warn("syslog emit failed", "error", err)
	}
}

// toEntry converts a parsed message to the canonical record. Severity
// maps onto the normalized level; host/app form the source.
func (l *Listener) toEntry(payload []byte) logentry.LogEntry {
	now := l.now()
	m := Parse(payload, now)

	e := logentry.LogEntry{
		ID:         logentry.NewEntryID(),
		Message:    m.Msg,
		RawContent: string(payload),
		Source:     sourceString(m, l.cfg.Name),
		Level:      logentry.LevelUnknown,
		Metadata:   map[string]string{},
	}
	if m.Severity >= 0 {
		e.Level = logentry.SeverityLevel(m.Severity)
		e.Metadata["severity"] = strconv.Itoa(m.Severity)
	}
	if m.Facility >= 0 {
		e.Metadata["facility"] = FacilityName(m.Facility)
	}
	if m.ProcID != "" {
		e.Metadata["procid"] = m.ProcID
	}
	if m.MsgID != "" {
		e.Metadata["msgid"] = m.MsgID
	}
	if m.Format != FormatRaw {
		e.Metadata["format"] = string(m.Format)
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp.UnixMilli()
		e.Timestamp = ts
		e.RecordTime = &ts
	} else {
		e.Timestamp = now.UnixMilli()
	}
	return e
}

// sourceString builds "host/app" with sensible fallbacks.
func sourceString(m Message, name string) string {
	switch {
	case m.Host != "" && m.App != "":
		return m.Host + "/" + m.App
	case m.Host != "":
		return m.Host
	case name != "":
		return name
	default:
		return "syslog"
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
