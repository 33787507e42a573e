package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/pkg/utils"
)

// Counters is a point-in-time copy of the rolling risk counters. It is what the
// pre-trade check reads; the live State is never shared with decision code.
type Counters struct {
	SessionDate string
	RealizedPnL decimal.Decimal // net realized P&L of the session
	Entries     int             // entry orders accepted this session
	Halted      bool
	HaltReason  string
}

// RealizedLoss returns the session's net realized loss as a positive amount.
func (c Counters) RealizedLoss() decimal.Decimal {
	if c.RealizedPnL.IsNegative() {
		return c.RealizedPnL.Neg()
	}
	return decimal.Zero
}

// State holds the process-scoped rolling counters. They reset when the
// session date changes in the session's time zone.
type State struct {
	mu        sync.Mutex
	session   utils.Session
	lossLimit decimal.Decimal
	counters  Counters
	applied   map[string]struct{}
}

// NewState creates the counters for the session containing now.
func NewState(session utils.Session, dailyLossLimit decimal.Decimal, now time.Time) *State {
	return &State{
		session:   session,
		lossLimit: dailyLossLimit,
		counters:  Counters{SessionDate: session.Date(now)},
		applied:   make(map[string]struct{}),
	}
}

// roll resets the counters on a session boundary. Caller holds mu.
func (s *State) roll(now time.Time) {
	date := s.session.Date(now)
	if date == s.counters.SessionDate {
		return
	}
	s.counters = Counters{SessionDate: date}
	s.applied = make(map[string]struct{})
}

// Roll resets the counters if now belongs to a new session.
func (s *State) Roll(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
}

// Snapshot returns the counters for the session containing now.
func (s *State) Snapshot(now time.Time) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	return s.counters
}

// RecordRealized adds realized P&L once per key and halts new entries when
// the session loss reaches the limit. It reports whether the key was new.
func (s *State) RecordRealized(key string, pnl decimal.Decimal, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)

	if _, ok := s.applied[key]; ok {
		return false
	}
	s.applied[key] = struct{}{}

	s.counters.RealizedPnL = s.counters.RealizedPnL.Add(pnl)
	if s.lossLimit.IsPositive() && s.counters.RealizedLoss().GreaterThanOrEqual(s.lossLimit) && !s.counters.Halted {
		s.counters.Halted = true
		s.counters.HaltReason = RuleDailyLossLimit
	}
	return true
}

// RecordEntry counts an accepted entry order.
func (s *State) RecordEntry(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	s.counters.Entries++
}

// Halt stops new entries until the next session.
func (s *State) Halt(reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	s.counters.Halted = true
	s.counters.HaltReason = reason
}

// Restore loads persisted counters. Counters from an earlier session are ignored.
func (s *State) Restore(c Counters, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	if c.SessionDate == s.counters.SessionDate {
		s.counters = c
	}
}
