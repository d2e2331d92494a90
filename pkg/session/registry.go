package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/metrics"
)

// CallSession represents one active phone call
type CallSession struct {
	ID           string
	ConnectionID string
	StartedAt    time.Time
	DeadlineAt   time.Time
}

// ExpiredSession is a snapshot of a session removed by the sweep
type ExpiredSession struct {
	SessionID    string
	ConnectionID string
	Overtime     time.Duration
}

// ForceTerminateFunc is invoked for each session the sweep removes.
// The registry has no telephony dependency; the orchestrator wires this
// to the hang-up collaborator.
type ForceTerminateFunc func(sessionID, connectionID string, overtime time.Duration)

// RegistryConfig holds admission and timeout policy
type RegistryConfig struct {
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	SweepInterval         time.Duration
}

// Registry is the in-memory table of active call sessions. It enforces the
// admission bound and force-terminates sessions that outlive their deadline.
type Registry struct {
	logger *logrus.Logger
	config RegistryConfig

	mutex    sync.Mutex
	sessions map[string]*CallSession

	forceTerminate ForceTerminateFunc

	sweepTicker *time.Ticker
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewRegistry creates a session registry
func NewRegistry(logger *logrus.Logger, config RegistryConfig) *Registry {
	if config.MaxConcurrentSessions <= 0 {
		config.MaxConcurrentSessions = 2
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 90 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Second
	}

	return &Registry{
		logger:   logger,
		config:   config,
		sessions: make(map[string]*CallSession),
		stopChan: make(chan struct{}),
	}
}

// SetForceTerminateCallback registers the callback invoked for swept sessions
func (r *Registry) SetForceTerminateCallback(fn ForceTerminateFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.forceTerminate = fn
}

// TryAdmit reports whether a new call may start. It takes no further action;
// the caller follows up with Start once the call is answered.
func (r *Registry) TryAdmit() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.sessions) >= r.config.MaxConcurrentSessions {
		metrics.IncCounter(metrics.CallsRejected)
		return false
	}
	return true
}

// Start inserts a session with a fixed deadline. An existing session with the
// same ID is replaced and logged as anomalous rather than duplicated.
func (r *Registry) Start(sessionID, connectionID string) {
	now := time.Now()
	session := &CallSession{
		ID:           sessionID,
		ConnectionID: connectionID,
		StartedAt:    now,
		DeadlineAt:   now.Add(r.config.SessionTimeout),
	}

	r.mutex.Lock()
	previous, replaced := r.sessions[sessionID]
	r.sessions[sessionID] = session
	active := len(r.sessions)
	r.mutex.Unlock()

	if replaced {
		r.logger.WithFields(logrus.Fields{
			"session_id":        sessionID,
			"previous_deadline": previous.DeadlineAt,
			"new_deadline":      session.DeadlineAt,
		}).Warn("Session replaced an existing entry with the same ID")
	}

	metrics.IncCounter(metrics.CallsAdmitted)
	metrics.SetGauge(metrics.ActiveCalls, float64(active))

	r.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"deadline_at": session.DeadlineAt,
	}).Info("Call session started")
}

// AttachConnection binds the telephony connection handle once the
// call-connected callback fires. Unknown sessions are ignored.
func (r *Registry) AttachConnection(sessionID, connectionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if session, exists := r.sessions[sessionID]; exists {
		session.ConnectionID = connectionID
	}
}

// End removes a session if present and reports whether it was removed.
// Ending an unknown session is not an error; End and the sweep share this
// remove-if-present operation so a session terminates exactly once.
func (r *Registry) End(sessionID string) bool {
	r.mutex.Lock()
	session, existed := r.sessions[sessionID]
	if existed {
		delete(r.sessions, sessionID)
	}
	active := len(r.sessions)
	r.mutex.Unlock()

	if !existed {
		return false
	}

	metrics.SetGauge(metrics.ActiveCalls, float64(active))
	metrics.ObserveHistogram(metrics.CallDuration, time.Since(session.StartedAt).Seconds())

	r.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"duration":   time.Since(session.StartedAt),
	}).Info("Call session ended")
	return true
}

// Get returns a copy of the session, if present
func (r *Registry) Get(sessionID string) (CallSession, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return CallSession{}, false
	}
	return *session, true
}

// ActiveCount returns the number of active sessions
func (r *Registry) ActiveCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sessions)
}

// IsExpired reports whether a session has passed its deadline.
// Unknown sessions are not expired.
func (r *Registry) IsExpired(sessionID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return false
	}
	return !time.Now().Before(session.DeadlineAt)
}

// RemainingTime returns the time left before the deadline, zero if the
// session is unknown or already past its deadline
func (r *Registry) RemainingTime(sessionID string) time.Duration {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return 0
	}

	remaining := time.Until(session.DeadlineAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sweep removes every session past its deadline and invokes the
// force-termination callback for each, outside the lock, over a snapshot.
// One failing callback must not block the rest.
func (r *Registry) Sweep() []ExpiredSession {
	now := time.Now()

	r.mutex.Lock()
	var expired []ExpiredSession
	for id, session := range r.sessions {
		if !now.Before(session.DeadlineAt) {
			expired = append(expired, ExpiredSession{
				SessionID:    id,
				ConnectionID: session.ConnectionID,
				Overtime:     now.Sub(session.DeadlineAt),
			})
			delete(r.sessions, id)
		}
	}
	active := len(r.sessions)
	callback := r.forceTerminate
	r.mutex.Unlock()

	if len(expired) == 0 {
		return nil
	}

	metrics.SetGauge(metrics.ActiveCalls, float64(active))

	for _, e := range expired {
		r.logger.WithFields(logrus.Fields{
			"session_id":    e.SessionID,
			"connection_id": e.ConnectionID,
			"overtime":      e.Overtime,
		}).Warn("Force-terminating expired call session")

		metrics.IncCounter(metrics.ForcedTerminations)

		if callback != nil {
			r.invokeForceTerminate(callback, e)
		}
	}

	return expired
}

// invokeForceTerminate isolates callback panics and errors per session
func (r *Registry) invokeForceTerminate(callback ForceTerminateFunc, e ExpiredSession) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"session_id": e.SessionID,
				"panic":      rec,
			}).Error("Force-termination callback panicked")
		}
	}()
	callback(e.SessionID, e.ConnectionID, e.Overtime)
}

// StartSweeper begins the background sweep loop
func (r *Registry) StartSweeper() {
	r.sweepTicker = time.NewTicker(r.config.SweepInterval)
	r.wg.Add(1)
	go r.sweepLoop()

	r.logger.WithFields(logrus.Fields{
		"sweep_interval":  r.config.SweepInterval,
		"session_timeout": r.config.SessionTimeout,
		"max_sessions":    r.config.MaxConcurrentSessions,
	}).Info("Session sweeper started")
}

// Stop halts the sweep loop
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	if r.sweepTicker != nil {
		r.sweepTicker.Stop()
	}
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return
		case <-r.sweepTicker.C:
			r.Sweep()
		}
	}
}
