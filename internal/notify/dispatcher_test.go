package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"grepwise/internal/logging"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakySink) Send(context.Context, Channel, Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("transient")
	}
	return nil
}

func testDispatcher(sink Sink) *Dispatcher {
	d := NewDispatcher(logging.Discard())
	d.sinks[ChannelWebhook] = sink
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	sink := &flakySink{failures: 2}
	d := testDispatcher(sink)
	ch := Channel{Type: ChannelWebhook, Destination: "http://example.test"}
	if err := d.Dispatch(context.Background(), []Channel{ch}, Payload{AlarmID: "a1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sink.calls != 3 {
		t.Errorf("calls = %d, want 3", sink.calls)
	}
}

func TestDispatchExhaustedReportsChannelDown(t *testing.T) {
	sink := &flakySink{failures: 10}
	d := testDispatcher(sink)
	ch := Channel{Type: ChannelWebhook, Destination: "http://example.test"}
	err := d.Dispatch(context.Background(), []Channel{ch}, Payload{AlarmID: "a1"})
	if !errors.Is(err, ErrChannelDown) {
		t.Fatalf("err = %v, want ErrChannelDown", err)
	}
	if sink.calls != dispatchAttempts {
		t.Errorf("calls = %d, want %d", sink.calls, dispatchAttempts)
	}
}

func TestDispatchOneDeadChannelDoesNotBlockOthers(t *testing.T) {
	dead := &flakySink{failures: 10}
	d := testDispatcher(dead)
	live := &flakySink{}
	d.sinks[ChannelSlack] = live
	channels := []Channel{
		{Type: ChannelWebhook, Destination: "http://dead.test"},
		{Type: ChannelSlack, Destination: "http://live.test"},
	}
	err := d.Dispatch(context.Background(), channels, Payload{AlarmID: "a1"})
	if !errors.Is(err, ErrChannelDown) {
		t.Fatalf("err = %v", err)
	}
	if live.calls != 1 {
		t.Errorf("live channel calls = %d, want 1", live.calls)
	}
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	p := Payload{AlarmID: "a1", AlarmName: "errors", ObservedValue: 11, Threshold: "> 10"}
	err := WebhookSink{}.Send(context.Background(), Channel{Type: ChannelWebhook, Destination: srv.URL}, p)
	if err != nil {
		t.Fatal(err)
	}
	if got.AlarmID != "a1" || got.ObservedValue != 11 {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := WebhookSink{}.Send(context.Background(), Channel{Type: ChannelWebhook, Destination: srv.URL}, Payload{})
	if err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestChannelValidate(t *testing.T) {
	cases := []struct {
		ch Channel
		ok bool
	}{
		{Channel{Type: ChannelEmail, Destination: "ops@example.com"}, true},
		{Channel{Type: ChannelSlack, Destination: "https://hooks.slack.com/x"}, true},
		{Channel{Type: ChannelWebhook, Destination: "http://x"}, true},
		{Channel{Type: "PAGER", Destination: "x"}, false},
		{Channel{Type: ChannelEmail}, false},
	}
	for _, c := range cases {
		err := c.ch.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%+v: err = %v", c.ch, err)
		}
	}
}
