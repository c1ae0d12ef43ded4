package health

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsmend/opsmend/internal/bugs"
)

// Penalty weights. Detections scale with the category's severity weight;
// escalations hurt more than a single failed attempt because automation
// already gave up.
const (
	detectionPenaltyUnit = 6.0
	failedAttemptPenalty = 10.0
	escalationPenalty    = 15.0
	resolvedRelief       = 0.7
)

// ServiceHealthScore is a point-in-time view of one service's rolling
// health. Score is in [0, 100], 100 meaning no recent trouble.
type ServiceHealthScore struct {
	Service         string    `json:"service"`
	Score           float64   `json:"score"`
	Detections      int64     `json:"detections"`
	FailedAttempts  int64     `json:"failed_attempts"`
	SuccessfulHeals int64     `json:"successful_heals"`
	Escalations     int64     `json:"escalations"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type serviceState struct {
	penalty         float64
	detections      int64
	failedAttempts  int64
	successfulHeals int64
	escalations     int64
	updatedAt       time.Time
}

// Tracker keeps exponentially decayed trouble scores per service. Writes
// take a mutex; reads go through an atomically published snapshot and
// apply the remaining decay themselves, so hot read paths never contend
// with ingestion.
type Tracker struct {
	halfLife time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	services map[string]*serviceState

	snap atomic.Pointer[map[string]serviceState]
}

// NewTracker creates a tracker with the given decay half-life.
func NewTracker(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Hour
	}
	t := &Tracker{
		halfLife: halfLife,
		now:      time.Now,
		logger:   slog.Default().With("component", "health"),
		services: make(map[string]*serviceState),
	}
	empty := make(map[string]serviceState)
	t.snap.Store(&empty)
	return t
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// RecordDetected charges a service for a newly detected or recurring bug.
func (t *Tracker) RecordDetected(service string, category bugs.Category) {
	t.update(service, func(s *serviceState) {
		s.detections++
		s.penalty += detectionPenaltyUnit * category.SeverityWeight()
	})
}

// RecordAttempt charges or credits a service for one healing attempt
// outcome. Successes are counted but carry no penalty; the relief lands
// in RecordResolved when the bug actually closes.
func (t *Tracker) RecordAttempt(service string, outcome bugs.Outcome) {
	t.update(service, func(s *serviceState) {
		switch outcome {
		case bugs.OutcomeSuccess:
			s.successfulHeals++
		case bugs.OutcomeFailure, bugs.OutcomeTimedOut:
			s.failedAttempts++
			s.penalty += failedAttemptPenalty
		}
	})
}

// RecordResolved rewards a service whose bug closed without a human.
func (t *Tracker) RecordResolved(service string) {
	t.update(service, func(s *serviceState) {
		s.penalty *= resolvedRelief
	})
}

// RecordEscalated charges a service for a bug automation could not fix.
func (t *Tracker) RecordEscalated(service string) {
	t.update(service, func(s *serviceState) {
		s.escalations++
		s.penalty += escalationPenalty
	})
}

func (t *Tracker) update(service string, fn func(*serviceState)) {
	if service == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	s, ok := t.services[service]
	if !ok {
		s = &serviceState{updatedAt: now}
		t.services[service] = s
	}
	s.decayTo(now, t.halfLife)
	fn(s)

	snap := make(map[string]serviceState, len(t.services))
	for name, st := range t.services {
		snap[name] = *st
	}
	t.mu.Unlock()

	t.snap.Store(&snap)
}

// decayTo halves the accumulated penalty once per half-life elapsed.
func (s *serviceState) decayTo(now time.Time, halfLife time.Duration) {
	dt := now.Sub(s.updatedAt)
	if dt > 0 && s.penalty > 0 {
		s.penalty *= math.Pow(0.5, float64(dt)/float64(halfLife))
	}
	if dt > 0 {
		s.updatedAt = now
	}
}

// Score returns the current health of one service. The second return is
// false when the tracker has never seen the service.
func (t *Tracker) Score(service string) (ServiceHealthScore, bool) {
	snap := *t.snap.Load()
	s, ok := snap[service]
	if !ok {
		return ServiceHealthScore{}, false
	}
	return t.view(service, s), true
}

// Snapshot returns all known services sorted by name.
func (t *Tracker) Snapshot() []ServiceHealthScore {
	snap := *t.snap.Load()
	out := make([]ServiceHealthScore, 0, len(snap))
	for name, s := range snap {
		out = append(out, t.view(name, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (t *Tracker) view(service string, s serviceState) ServiceHealthScore {
	now := t.now()
	s.decayTo(now, t.halfLife)

	score := 100 - math.Min(100, s.penalty)
	if score < 0 {
		score = 0
	}
	return ServiceHealthScore{
		Service:         service,
		Score:           math.Round(score*10) / 10,
		Detections:      s.detections,
		FailedAttempts:  s.failedAttempts,
		SuccessfulHeals: s.successfulHeals,
		Escalations:     s.escalations,
		UpdatedAt:       s.updatedAt,
	}
}
