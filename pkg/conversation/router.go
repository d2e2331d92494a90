package conversation

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/ai"
)

// AILeg is the AI side of the call as the router sees it
type AILeg interface {
	Events() <-chan ai.Event
	SendFunctionOutput(callID, output string) error
}

// AudioBridge is the audio relay as the router sees it
type AudioBridge interface {
	SetReady()
	ForwardToTelephony(frame []byte) error
	Interrupt() error
}

// RouterConfig holds goodbye-timing policy
type RouterConfig struct {
	EstimatedFarewellDuration time.Duration
	GoodbyeSafetyMargin       time.Duration
	GoodbyeFallbackDelay      time.Duration
}

// Router is the single consumer of the AI event stream for one call. It
// forwards AI audio to the caller, dispatches function calls, handles caller
// barge-in, and times the hangup after the farewell so the goodbye is not cut
// off mid-sentence.
type Router struct {
	logger     *logrus.Entry
	leg        AILeg
	bridge     AudioBridge
	dispatcher *Dispatcher
	state      *State
	config     RouterConfig

	phaseMutex sync.RWMutex
	phase      Phase

	// farewell and goodbyeTimer are touched only from the Run goroutine
	farewell     farewellClock
	goodbyeTimer *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

// NewRouter creates an event router for one call
func NewRouter(logger *logrus.Entry, leg AILeg, bridge AudioBridge, dispatcher *Dispatcher, state *State, config RouterConfig) *Router {
	if config.EstimatedFarewellDuration <= 0 {
		config.EstimatedFarewellDuration = 5 * time.Second
	}
	if config.GoodbyeSafetyMargin <= 0 {
		config.GoodbyeSafetyMargin = time.Second
	}
	if config.GoodbyeFallbackDelay <= 0 {
		config.GoodbyeFallbackDelay = 3 * time.Second
	}

	return &Router{
		logger:     logger,
		leg:        leg,
		bridge:     bridge,
		dispatcher: dispatcher,
		state:      state,
		config:     config,
		phase:      PhaseConnecting,
		done:       make(chan struct{}),
	}
}

// Run consumes AI events until the conversation ends, the event stream
// closes, or the context is cancelled. It must be called exactly once.
func (r *Router) Run(ctx context.Context) {
	defer r.finish()

	for {
		var goodbyeC <-chan time.Time
		if r.goodbyeTimer != nil {
			goodbyeC = r.goodbyeTimer.C
		}

		select {
		case <-ctx.Done():
			r.logger.Debug("Conversation context cancelled")
			return

		case <-goodbyeC:
			r.logger.Info("Farewell playback window elapsed, ending call")
			return

		case event, ok := <-r.leg.Events():
			if !ok {
				r.logger.Info("AI event stream closed")
				return
			}
			if r.handle(ctx, event) {
				return
			}
		}
	}
}

// Done is closed when the conversation has fully ended
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Phase returns the current conversation phase
func (r *Router) Phase() Phase {
	r.phaseMutex.RLock()
	defer r.phaseMutex.RUnlock()
	return r.phase
}

func (r *Router) setPhase(p Phase) {
	r.phaseMutex.Lock()
	old := r.phase
	r.phase = p
	r.phaseMutex.Unlock()
	if old != p {
		r.logger.WithFields(logrus.Fields{"from": old.String(), "to": p.String()}).Debug("Conversation phase changed")
	}
}

// handle processes one event. It returns true when the conversation is over.
// The event stream is already filtered and counted by the AI leg.
func (r *Router) handle(ctx context.Context, event ai.Event) bool {
	switch e := event.(type) {
	case ai.SessionCreated:
		r.logger.WithField("ai_session_id", e.SessionID).Debug("AI session created")

	case ai.SessionUpdated:
		if r.Phase() == PhaseConnecting {
			r.setPhase(PhaseActive)
			// Buffered caller audio drains now that the session accepts input
			r.bridge.SetReady()
			r.logger.Info("AI session configured, conversation active")
		}

	case ai.AudioDelta:
		frame, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			r.logger.WithError(err).Warn("Dropping undecodable audio delta")
			return false
		}
		if r.Phase() == PhaseEnding {
			r.farewell.markOnce(time.Now())
		}
		if err := r.bridge.ForwardToTelephony(frame); err != nil {
			r.logger.WithError(err).Warn("Failed to forward AI audio to caller")
		}

	case ai.SpeechStarted:
		return r.handleBargeIn()

	case ai.FunctionCallDone:
		r.handleFunctionCall(ctx, e)

	case ai.OutputItemAdded:
		if r.Phase() == PhaseEnding {
			r.farewell.markOnce(time.Now())
		}

	case ai.ResponseDone, ai.AudioDone:
		if r.Phase() == PhaseEnding && r.goodbyeTimer == nil {
			delay := r.goodbyeDelay(time.Now())
			r.logger.WithField("delay", delay.String()).Info("Farewell response complete, scheduling hangup")
			r.goodbyeTimer = time.NewTimer(delay)
		}

	case ai.ErrorEvent:
		r.logger.WithFields(logrus.Fields{
			"code":    e.Code,
			"message": e.Message,
		}).Error("AI service reported an error")
	}

	return false
}

// handleBargeIn clears queued AI audio so the caller is not talked over.
// During the farewell a barge-in means the goodbye no longer matters, so the
// call ends immediately instead of waiting out the playback window.
func (r *Router) handleBargeIn() bool {
	switch r.Phase() {
	case PhaseActive:
		if err := r.bridge.Interrupt(); err != nil {
			r.logger.WithError(err).Warn("Failed to interrupt AI playback")
		}
	case PhaseEnding:
		if r.farewell.started() {
			r.logger.Info("Caller spoke during farewell, ending call now")
			return true
		}
		if err := r.bridge.Interrupt(); err != nil {
			r.logger.WithError(err).Warn("Failed to interrupt AI playback")
		}
	}
	return false
}

func (r *Router) handleFunctionCall(ctx context.Context, e ai.FunctionCallDone) {
	result := r.dispatcher.Dispatch(ctx, e.Name, e.Arguments)

	if err := r.leg.SendFunctionOutput(e.CallID, result.Output); err != nil {
		r.logger.WithError(err).WithField("function", e.Name).Error("Failed to send function output to AI")
	}

	if result.EndCall && r.Phase() != PhaseEnding {
		r.setPhase(PhaseEnding)
	}
}

// goodbyeDelay estimates how long to keep the line open so the farewell
// finishes playing. The event protocol has no playback-complete signal, so
// the delay is the estimated farewell length minus what has already streamed,
// plus a safety margin for pipeline latency.
func (r *Router) goodbyeDelay(now time.Time) time.Duration {
	if !r.farewell.started() {
		return r.config.GoodbyeFallbackDelay
	}
	remaining := r.config.EstimatedFarewellDuration - r.farewell.elapsed(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + r.config.GoodbyeSafetyMargin
}

func (r *Router) finish() {
	r.doneOnce.Do(func() {
		if r.goodbyeTimer != nil {
			r.goodbyeTimer.Stop()
		}
		r.setPhase(PhaseClosed)
		close(r.done)
	})
}
