package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"grepwise/internal/alarm"
	"grepwise/internal/buffer"
	"grepwise/internal/config"
	"grepwise/internal/engine"
	"grepwise/internal/event"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
	"grepwise/internal/notify"
	"grepwise/internal/partition"
	"grepwise/internal/redact"
)

type fixture struct {
	srv     *Server
	handler http.Handler
	engine  *engine.Service
	started []string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()

	bus := event.NewBus()
	mgr, err := partition.NewManager(partition.Options{
		Root:        filepath.Join(dir, "index"),
		Granularity: partition.Monthly,
		Bus:         bus,
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	red, err := redact.New(redact.Config{})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := engine.NewService(engine.Options{
		Manager:  mgr,
		Redactor: red,
		Bus:      bus,
		Buffer:   buffer.Options{FlushInterval: 10 * time.Millisecond},
		CacheTTL: time.Minute,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	alarms := alarm.NewStore(filepath.Join(dir, "alarms.json"), logging.Discard())
	if err := alarms.Load(); err != nil {
		t.Fatal(err)
	}
	sched, err := alarm.NewScheduler(alarms, svc, notify.NewDispatcher(logging.Discard()), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	sources := config.NewStore(filepath.Join(dir, "log-sources.json"), logging.Discard())
	if err := sources.Load(); err != nil {
		t.Fatal(err)
	}

	f := &fixture{engine: svc}
	opts := Options{
		Engine:    svc,
		Alarms:    alarms,
		Scheduler: sched,
		Redactor:  red,
		Redaction: redact.NewStore(filepath.Join(dir, "redaction.json"), logging.Discard()),
		Sources:   sources,
		StartSource: func(src config.Source) error {
			f.started = append(f.started, src.ID)
			return nil
		},
		Logger: logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.srv = New(opts)
	f.handler = f.srv.Handler()

	t.Cleanup(func() {
		sched.Close()
		cancel()
		<-done
		mgr.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	base := time.Date(2024, 10, 10, 12, 0, 0, 0, time.UTC)
	add := func(n int, level, msg string) {
		for i := 0; i < n; i++ {
			err := f.engine.Ingest(logentry.LogEntry{
				ID:        logentry.NewEntryID(),
				Timestamp: base.Add(time.Duration(i) * time.Second).UnixMilli(),
				Level:     level,
				Message:   msg,
				Source:    "test",
			})
			if err != nil {
				t.Fatal(err)
			}
		}
	}
	add(3, logentry.LevelError, "upstream timed out")
	add(2, logentry.LevelWarn, "slow response")
	add(5, logentry.LevelInfo, "request ok")
	if err := f.engine.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls cond until it holds or the deadline passes. Commits
// propagate to the search path asynchronously.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestIngestAndSearch(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/logs", `{"message":"deploy finished","source":"ci","level":"info"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if decode[map[string]string](t, w)["id"] == "" {
		t.Error("no id in response")
	}
	if err := f.engine.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		w := f.do(t, http.MethodGet, "/logs/search?q=deploy", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		return decode[searchResponse](t, w).Total == 1
	})

	w = f.do(t, http.MethodGet, "/logs/search?q=deploy", "")
	res := decode[searchResponse](t, w)
	if res.Results[0].Level != "INFO" || res.Results[0].Source != "ci" {
		t.Errorf("entry = %+v", res.Results[0])
	}
	var total int64
	for _, slot := range res.TimeSlots {
		total += slot.Count
	}
	if total != 1 {
		t.Errorf("histogram total = %d", total)
	}
}

func TestIngestRequiresMessage(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/logs", `{"source":"ci"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/logs", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestIngestRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.IngestRate = rate.Limit(0.01)
		o.IngestBurst = 1
	})
	if w := f.do(t, http.MethodPost, "/logs", `{"message":"one"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/logs", `{"message":"two"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", w.Code)
	}
	if decode[apiError](t, w).Code != "RATE_LIMITED" {
		t.Error("wrong error code")
	}
}

func TestSPLStatsMap(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	waitFor(t, func() bool {
		w := f.do(t, http.MethodPost, "/logs/spl", "search * | stats count by level")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
		}
		stats := decode[map[string]int64](t, w)
		return stats["ERROR"] == 3 && stats["WARN"] == 2 && stats["INFO"] == 5
	})
}

func TestSPLPipelineEntries(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	waitFor(t, func() bool {
		w := f.do(t, http.MethodPost, "/logs/spl", "search level=ERROR | head 2")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		return len(decode[searchResponse](t, w).Results) == 2
	})
}

func TestCountEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	q := url.Values{"q": {"level=ERROR"}}
	waitFor(t, func() bool {
		w := f.do(t, http.MethodGet, "/logs/count?"+q.Encode(), "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		return decode[int64](t, w) == 3
	})
}

func TestQuerySyntaxErrorMapped(t *testing.T) {
	f := newFixture(t, nil)
	q := url.Values{"q": {"(level=ERROR"}}
	w := f.do(t, http.MethodGet, "/logs/search?"+q.Encode(), "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if decode[apiError](t, w).Code != "QUERY_SYNTAX" {
		t.Error("wrong error code")
	}
}

func TestSearchRejectsBadParams(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{
		"/logs/search?q=x&size=abc",
		"/logs/search?q=x&page=-1",
		"/logs/search?q=x&start=nope",
	} {
		if w := f.do(t, http.MethodGet, path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}

func TestRevealAuthorization(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/logs", `{"message":"login password=hunter2 ok"}`)
	id := decode[map[string]string](t, w)["id"]
	if err := f.engine.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		w := f.do(t, http.MethodGet, "/logs/search?q=login", "")
		return decode[searchResponse](t, w).Total == 1
	})

	w = f.do(t, http.MethodGet, "/logs/search?q=login", "")
	msg := decode[searchResponse](t, w).Results[0].Message
	if strings.Contains(msg, "hunter2") || !strings.Contains(msg, "password="+redact.MaskSearch) {
		t.Errorf("message not redacted: %q", msg)
	}

	// Plain fetch is redacted too.
	w = f.do(t, http.MethodGet, "/logs/"+id, "")
	if got := decode[logentry.LogEntry](t, w); strings.Contains(got.Message, "hunter2") {
		t.Error("unredacted entry without reveal")
	}

	// reveal=true without the context flag is forbidden.
	w = f.do(t, http.MethodGet, "/logs/"+id+"?reveal=true", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if decode[apiError](t, w).Code != "UNAUTHORIZED_REVEAL" {
		t.Error("wrong error code")
	}

	// An auth middleware grants reveal via the request context.
	authed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.handler.ServeHTTP(w, r.WithContext(WithReveal(r.Context(), true)))
	})
	r := httptest.NewRequest(http.MethodGet, "/logs/"+id+"?reveal=true", nil)
	rec := httptest.NewRecorder()
	authed.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got logentry.LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.Message, "hunter2") {
		t.Errorf("reveal did not return the original: %q", got.Message)
	}
}

func TestLogByIDErrors(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/logs/not-a-uuid", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}
	unknown := logentry.NewEntryID().String()
	if w := f.do(t, http.MethodGet, "/logs/"+unknown, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", w.Code)
	}
}

func TestAlarmCRUDAndEvaluate(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t)

	body := `{"name":"error spike","query":"level=ERROR","window_ms":300000,
		"threshold_op":">","threshold_value":10,"interval_ms":60000,
		"throttle_ms":600000,"enabled":true}`
	w := f.do(t, http.MethodPost, "/alarms", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	created := decode[alarm.Alarm](t, w)
	if created.ID == "" {
		t.Fatal("no id assigned")
	}

	if w := f.do(t, http.MethodGet, "/alarms", ""); len(decode[[]alarm.Alarm](t, w)) != 1 {
		t.Error("alarm not listed")
	}

	created.Name = "error flood"
	raw, _ := json.Marshal(created)
	w = f.do(t, http.MethodPut, "/alarms/"+created.ID, string(raw))
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	if decode[alarm.Alarm](t, w).Name != "error flood" {
		t.Error("name not updated")
	}

	// The window is relative to now; the seeded 2024 entries fall
	// outside it, so the observed count is zero and the alarm is OK.
	w = f.do(t, http.MethodPost, "/alarms/"+created.ID+"/evaluate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d, body %s", w.Code, w.Body.String())
	}
	if res := decode[alarm.EvalResult](t, w); res.State != alarm.StateOK {
		t.Errorf("state = %s", res.State)
	}

	if w := f.do(t, http.MethodDelete, "/alarms/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/alarms/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", w.Code)
	}
}

func TestAlarmValidationRejected(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/alarms", `{"name":"","query":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if decode[apiError](t, w).Code != "BAD_CONFIG" {
		t.Error("wrong error code")
	}
}

func TestSourceLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/sources",
		`{"sourceType":"SYSLOG","syslogPort":5514,"syslogProtocol":"UDP","enabled":false}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	created := decode[sourcePayload](t, w)
	if created.SourceType != "SYSLOG" || created.SyslogPort != 5514 || created.SyslogProtocol != "UDP" {
		t.Errorf("payload = %+v", created)
	}
	if created.Name == "" {
		t.Error("no name generated")
	}
	if len(f.started) != 0 {
		t.Error("disabled source was started")
	}

	dir := t.TempDir()
	w = f.do(t, http.MethodPost, "/sources",
		`{"sourceType":"FILE","directory":`+jsonString(dir)+`,"filePattern":"*.log","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	fileSrc := decode[sourcePayload](t, w)
	if len(f.started) != 1 || f.started[0] != fileSrc.ID {
		t.Errorf("started = %v", f.started)
	}

	if w := f.do(t, http.MethodGet, "/sources", ""); len(decode[[]sourcePayload](t, w)) != 2 {
		t.Error("sources not listed")
	}

	if w := f.do(t, http.MethodDelete, "/sources/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/sources/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete again status = %d", w.Code)
	}
}

func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

func TestSourceValidation(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{
		`{"sourceType":"CARRIER_PIGEON"}`,
		`{"sourceType":"SYSLOG","syslogPort":0}`,
		`{"sourceType":"SYSLOG","syslogPort":514,"syslogProtocol":"SCTP"}`,
		`{"sourceType":"FILE"}`,
	} {
		w := f.do(t, http.MethodPost, "/sources", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, w.Code)
			continue
		}
		if decode[apiError](t, w).Code != "BAD_CONFIG" {
			t.Errorf("%s: wrong error code", body)
		}
	}
}

func TestRedactionConfigAPI(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/redaction/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	view := decode[redactionView](t, w)
	found := false
	for _, k := range view.Keys {
		if k == "password" {
			found = true
		}
	}
	if !found {
		t.Errorf("default key missing from %v", view.Keys)
	}

	// The flat legacy shape is rejected over the API.
	w = f.do(t, http.MethodPost, "/redaction/config", `{"keys":["token"],"patterns":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("flat config status = %d", w.Code)
	}
	if decode[apiError](t, w).Code != "BAD_CONFIG" {
		t.Error("wrong error code")
	}

	// Invalid regexes never reach the live redactor.
	w = f.do(t, http.MethodPost, "/redaction/config", `{"broken":{"patterns":["("]}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad pattern status = %d", w.Code)
	}

	grouped := `{"token":{"patterns":["(?i)(token=)(\\S+)"]}}`
	if w := f.do(t, http.MethodPost, "/redaction/config", grouped); w.Code != http.StatusOK {
		t.Fatalf("grouped config status = %d, body %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodGet, "/redaction/config", "")
	if _, ok := decode[redactionView](t, w).Groups["token"]; !ok {
		t.Error("saved group missing")
	}

	if w := f.do(t, http.MethodPost, "/redaction/reload", ""); w.Code != http.StatusOK {
		t.Fatalf("reload status = %d", w.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/ready", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decode[map[string]any](t, w)["status"] != "ok" {
		t.Error("not ready")
	}
}
