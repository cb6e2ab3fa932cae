package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "vitalwatch/pkg/logx"
)

// Job is a scheduled unit of work. ctx carries the per-run timeout.
type Job func(ctx context.Context) error

type Config struct {
	// Timezone for cron specs; empty means local time.
	Timezone string
}

// JobInfo is a point-in-time view of one registered job.
type JobInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Runs    uint64        `json:"runs"`
	Fails   uint64        `json:"fails"`
	LastErr string        `json:"last_err,omitempty"`
}

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	runs    atomic.Uint64
	fails   atomic.Uint64
	lastErr atomic.Value // string
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	defs map[string]*jobDef
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// cronLogger adapts logx to cron.Logger for the Recover and
// SkipIfStillRunning wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins triggering. Jobs registered before Start are scheduled now;
// their contexts derive from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.loc = s.location()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.scheduleLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Add registers job under name, replacing any job with the same name.
// An empty schedule removes the job.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if strings.TrimSpace(schedule) == "" {
		s.Remove(name)
		return nil
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.CronSpec()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.scheduleLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", spec),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) scheduleLocked(d *jobDef) error {
	id, err := s.c.AddFunc(d.spec, func() { s.run(d) })
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) run(d *jobDef) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return
	}
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}

	start := time.Now()
	d.runs.Add(1)
	err := d.job(ctx)
	if err != nil {
		d.fails.Add(1)
		d.lastErr.Store(err.Error())
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Trace("job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
}

// Jobs lists registered jobs sorted by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Runs:    d.runs.Load(),
			Fails:   d.fails.Load(),
		}
		if v, ok := d.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
