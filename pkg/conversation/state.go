package conversation

import (
	"sync"
	"time"
)

// Phase is the lifecycle stage of one conversation
type Phase int

const (
	// PhaseConnecting covers dial-up until the AI session is configured
	PhaseConnecting Phase = iota

	// PhaseActive is the normal bidirectional conversation
	PhaseActive

	// PhaseEnding means end_call was requested and the farewell is playing
	PhaseEnding

	// PhaseClosed is terminal
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State tracks what the conversation has learned about the caller and which
// staff recipient, if any, has been resolved. The router mutates it from its
// single event-consumer goroutine; the mutex exists for cross-goroutine reads
// (logging, teardown).
type State struct {
	mutex sync.RWMutex

	callerName       string
	recipientName    string
	recipientEmail   string
	recipientDept    string
	pendingCandidate string
	pendingDept      string
}

// NewState creates an empty conversation state
func NewState() *State {
	return &State{}
}

// SetCallerName records the caller's self-identification
func (s *State) SetCallerName(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callerName = name
}

// CallerName returns the caller's name, empty until identified
func (s *State) CallerName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.callerName
}

// Identified reports whether the caller has given a name
func (s *State) Identified() bool {
	return s.CallerName() != ""
}

// ClearIdentification forgets everything learned about the caller and any
// resolved recipient. Called when the call ends so identification never
// outlives it.
func (s *State) ClearIdentification() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callerName = ""
	s.recipientName = ""
	s.recipientEmail = ""
	s.recipientDept = ""
	s.pendingCandidate = ""
	s.pendingDept = ""
}

// SetRecipient records an authorized message recipient
func (s *State) SetRecipient(name, email, department string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.recipientName = name
	s.recipientEmail = email
	s.recipientDept = department
	s.pendingCandidate = ""
	s.pendingDept = ""
}

// Recipient returns the authorized recipient, empty email when none resolved
func (s *State) Recipient() (name, email, department string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.recipientName, s.recipientEmail, s.recipientDept
}

// SetPendingCandidate records a fuzzy match awaiting verbal confirmation
func (s *State) SetPendingCandidate(name, department string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pendingCandidate = name
	s.pendingDept = department
}

// PendingCandidate returns the unconfirmed fuzzy candidate, if any
func (s *State) PendingCandidate() (name, department string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.pendingCandidate, s.pendingDept
}

// farewellClock tracks when farewell audio began streaming during PhaseEnding
type farewellClock struct {
	startedAt time.Time
}

func (f *farewellClock) markOnce(now time.Time) {
	if f.startedAt.IsZero() {
		f.startedAt = now
	}
}

func (f *farewellClock) started() bool {
	return !f.startedAt.IsZero()
}

func (f *farewellClock) elapsed(now time.Time) time.Duration {
	if f.startedAt.IsZero() {
		return 0
	}
	return now.Sub(f.startedAt)
}
