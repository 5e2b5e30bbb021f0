package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"grepwise/internal/logentry"
	"grepwise/internal/logging"
	"grepwise/internal/notify"
)

const (
	evalTimeout     = 30 * time.Second
	dispatchTimeout = time.Minute
	sampleLimit     = 5
)

// Runner executes alarm queries over a time window. Implementations
// must return samples already redacted for alarm payloads.
type Runner interface {
	Count(ctx context.Context, query string, start, end int64) (int64, error)
	GroupCounts(ctx context.Context, query string, by []string, start, end int64) (map[string]int64, error)
	Sample(ctx context.Context, query string, start, end int64, limit int) ([]logentry.LogEntry, error)
}

// Dispatcher delivers notification payloads.
type Dispatcher interface {
	Dispatch(ctx context.Context, channels []notify.Channel, p notify.Payload) error
}

// EvalResult reports one evaluation's outcome.
type EvalResult struct {
	State      State
	Observed   map[string]int64
	Fired      []string // group keys that notified this round
	Suppressed []string // group keys throttled this round
}

// Scheduler owns the alarm records: it runs a gocron job per enabled
// alarm and applies the state machine on every tick. Notification
// dispatch happens on separate goroutines so a slow channel never
// delays the next evaluation.
type Scheduler struct {
	store      *Store
	runner     Runner
	dispatcher Dispatcher
	sched      gocron.Scheduler
	logger     *slog.Logger
	now        func() time.Time

	// send is swapped out by tests for synchronous capture.
	send func(channels []notify.Channel, p notify.Payload)

	mu   sync.Mutex
	jobs map[string]gocron.Job
	wg   sync.WaitGroup
}

func NewScheduler(store *Store, runner Runner, dispatcher Dispatcher, logger *slog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("alarm scheduler: %w", err)
	}
	s := &Scheduler{
		store:      store,
		runner:     runner,
		dispatcher: dispatcher,
		sched:      gs,
		logger:     logging.Default(logger).With("component", "alarm"),
		now:        time.Now,
		jobs:       make(map[string]gocron.Job),
	}
	s.send = s.sendAsync
	return s, nil
}

// Start registers jobs for every enabled alarm and begins ticking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.store.List() {
		if !a.Enabled {
			continue
		}
		if err := s.addJobLocked(a); err != nil {
			return err
		}
	}
	s.sched.Start()
	s.logger.Info("alarm scheduler started", "jobs", len(s.jobs))
	return nil
}

// Sync reconciles the job for one alarm after a create, update or
// delete.
func (s *Scheduler) Sync(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		if err := s.sched.RemoveJob(j.ID()); err != nil {
			s.logger.Warn("removing alarm job", "alarm", id, "error", err)
		}
		delete(s.jobs, id)
	}
	a, err := s.store.Get(id)
	if err != nil {
		return nil // deleted
	}
	if !a.Enabled {
		return nil
	}
	return s.addJobLocked(a)
}

func (s *Scheduler) addJobLocked(a Alarm) error {
	j, err := s.sched.NewJob(
		gocron.DurationJob(time.Duration(a.IntervalMs)*time.Millisecond),
		gocron.NewTask(s.runJob, a.ID),
		gocron.WithName(a.Name),
	)
	if err != nil {
		return fmt.Errorf("alarm job %s: %w", a.Name, err)
	}
	s.jobs[a.ID] = j
	return nil
}

func (s *Scheduler) runJob(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()
	if _, err := s.Evaluate(ctx, id); err != nil {
		s.logger.Warn("alarm evaluation failed", "alarm", id, "error", err)
	}
}

// Evaluate runs one alarm now. For a fixed query, window and stored
// history the transition is deterministic; wall-clock only enters
// through the window bounds and the throttle check.
func (s *Scheduler) Evaluate(ctx context.Context, id string) (EvalResult, error) {
	a, err := s.store.Get(id)
	if err != nil {
		return EvalResult{}, err
	}
	start, end := a.Window(s.now())

	counts, evalErr := s.observe(ctx, &a, start, end)
	if evalErr != nil {
		// Evaluator failure: the alarm goes UNKNOWN until a
		// successful evaluation. Group substates are kept so
		// throttling survives the gap.
		if err := s.store.UpdateState(id, func(a *Alarm) {
			a.LastEvalTs = end
			a.LastState = StateUnknown
		}); err != nil {
			s.logger.Warn("persisting alarm state", "alarm", id, "error", err)
		}
		return EvalResult{State: StateUnknown}, evalErr
	}

	groups := make(map[string]GroupState, len(a.Groups))
	for k, g := range a.Groups {
		groups[k] = g
		// A tracked group missing from this round's counts was
		// observed zero times.
		if _, ok := counts[k]; !ok {
			counts[k] = 0
		}
	}

	res := EvalResult{State: StateOK, Observed: counts}
	var sample []logentry.LogEntry
	lastFired := a.LastFiredTs
	for key, observed := range counts {
		pred, err := a.ThresholdOp.Compare(observed, a.ThresholdValue)
		if err != nil {
			return EvalResult{}, err
		}
		g := groups[key]
		switch {
		case !pred:
			g.State = StateOK
		case g.State != StateFiring:
			g.State = StateFiring
			g.LastFiredTs = end
			lastFired = end
			res.Fired = append(res.Fired, key)
		case end-g.LastFiredTs >= a.ThrottleMs:
			g.LastFiredTs = end
			lastFired = end
			res.Fired = append(res.Fired, key)
		default:
			res.Suppressed = append(res.Suppressed, key)
		}
		groups[key] = g
		if g.State == StateFiring {
			res.State = StateFiring
		}
	}

	if len(res.Fired) > 0 && len(a.Channels) > 0 {
		sample = s.sampleLogs(ctx, &a, start, end)
	}
	for _, key := range res.Fired {
		p := notify.Payload{
			AlarmID:       a.ID,
			AlarmName:     a.Name,
			GroupKey:      key,
			ObservedValue: counts[key],
			Threshold:     a.ThresholdString(),
			Timestamp:     time.UnixMilli(end).UTC(),
			SampleLogs:    sample,
		}
		if len(a.Channels) > 0 {
			s.send(a.Channels, p)
		}
		s.logger.Info("alarm firing", "alarm", a.Name, "group", key, "observed", counts[key])
	}

	if err := s.store.UpdateState(id, func(a *Alarm) {
		a.LastEvalTs = end
		a.LastState = res.State
		a.LastFiredTs = lastFired
		a.Groups = groups
	}); err != nil {
		s.logger.Warn("persisting alarm state", "alarm", id, "error", err)
	}
	return res, nil
}

// observe runs the alarm query. Ungrouped alarms collapse to a single
// count under the empty group key.
func (s *Scheduler) observe(ctx context.Context, a *Alarm, start, end int64) (map[string]int64, error) {
	if len(a.GroupBy) == 0 {
		n, err := s.runner.Count(ctx, a.Query, start, end)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"": n}, nil
	}
	return s.runner.GroupCounts(ctx, a.Query, a.GroupBy, start, end)
}

func (s *Scheduler) sampleLogs(ctx context.Context, a *Alarm, start, end int64) []logentry.LogEntry {
	sample, err := s.runner.Sample(ctx, a.Query, start, end, sampleLimit)
	if err != nil {
		s.logger.Warn("fetching alarm sample logs", "alarm", a.Name, "error", err)
		return nil
	}
	return sample
}

func (s *Scheduler) sendAsync(channels []notify.Channel, p notify.Payload) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := s.dispatcher.Dispatch(ctx, channels, p); err != nil {
			s.logger.Warn("alarm notification failed", "alarm", p.AlarmID, "error", err)
		}
	}()
}

// Close stops the ticker and waits for in-flight dispatches.
func (s *Scheduler) Close() error {
	err := s.sched.Shutdown()
	s.wg.Wait()
	return err
}
