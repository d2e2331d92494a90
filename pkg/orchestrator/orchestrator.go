package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/ai"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/conversation"
	"voicegate-server/pkg/directory"
	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/relay"
	"voicegate-server/pkg/session"
	"voicegate-server/pkg/telephony"
)

// MediaStream is the telephony leg as the orchestrator drives it
type MediaStream interface {
	relay.TelephonySink

	ConnectionID() string
	CallSID() string
	ReadEvent() (*telephony.Event, error)
	Close() error
}

// AILegDialer opens the AI leg for one call. Swappable in tests.
type AILegDialer func(ctx context.Context, logger *logrus.Entry) (AILeg, error)

// AILeg is the AI side of one call as the orchestrator drives it
type AILeg interface {
	conversation.AILeg
	relay.AISink

	ConfigureSession(tools []ai.Tool) error
	Close() error
}

// EventPublisher announces call lifecycle events to downstream consumers
type EventPublisher interface {
	Publish(event messaging.CallEvent)
}

// Orchestrator owns the full lifecycle of every call: admission against the
// concurrency bound, wiring the telephony and AI legs through the relay and
// router, and teardown on whichever side ends first. The session sweeper
// force-terminates calls that outlive their time budget.
type Orchestrator struct {
	logger    *logrus.Logger
	config    *config.Config
	registry  *session.Registry
	resolver  *directory.Resolver
	sender    conversation.MessageSender
	publisher EventPublisher
	dialAI    AILegDialer

	mutex sync.Mutex
	calls map[string]*activeCall
}

type activeCall struct {
	sessionID    string
	connectionID string
	stream       MediaStream
	leg          AILeg
	cancel       context.CancelFunc
	startedAt    time.Time

	endOnce sync.Once
}

// New creates the call orchestrator and wires the force-termination callback
// into the session registry.
func New(logger *logrus.Logger, cfg *config.Config, registry *session.Registry,
	resolver *directory.Resolver, sender conversation.MessageSender,
	publisher EventPublisher) *Orchestrator {

	o := &Orchestrator{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		resolver:  resolver,
		sender:    sender,
		publisher: publisher,
		calls:     make(map[string]*activeCall),
	}
	o.dialAI = o.dialRealtimeAI

	registry.SetForceTerminateCallback(o.forceTerminate)
	return o
}

// HandleStream runs one call to completion. It blocks until the call ends
// and is intended to be called from the per-connection goroutine.
func (o *Orchestrator) HandleStream(ctx context.Context, stream MediaStream) error {
	if !o.registry.TryAdmit() {
		o.publisher.Publish(messaging.CallEvent{
			CallUUID: stream.ConnectionID(),
			Event:    messaging.EventCallRejected,
		})
		o.logger.WithField("connection_id", stream.ConnectionID()).
			Warn("Call rejected, concurrent session limit reached")
		stream.Close()
		return errors.NewSessionLimitReached(o.config.Session.MaxConcurrentSessions)
	}

	sessionID := uuid.New().String()
	callLogger := o.logger.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"connection_id": stream.ConnectionID(),
	})

	o.registry.Start(sessionID, stream.ConnectionID())
	o.publisher.Publish(messaging.CallEvent{
		CallUUID: sessionID,
		Event:    messaging.EventCallAdmitted,
	})

	callCtx, cancel := context.WithCancel(ctx)
	call := &activeCall{
		sessionID:    sessionID,
		connectionID: stream.ConnectionID(),
		stream:       stream,
		cancel:       cancel,
		startedAt:    time.Now(),
	}
	o.track(call)

	leg, err := o.dialAI(callCtx, callLogger)
	if err != nil {
		callLogger.WithError(err).Error("Failed to open AI leg")
		o.endCall(call, "ai_dial_failed")
		return err
	}
	call.leg = leg

	if err := leg.ConfigureSession(conversation.Tools()); err != nil {
		callLogger.WithError(err).Error("Failed to configure AI session")
		o.endCall(call, "ai_configure_failed")
		return err
	}

	bridge := relay.NewAudioRelay(callLogger, leg, stream, o.config.Relay.PreReadyBufferFrames)
	state := conversation.NewState()
	sender := &notifyingSender{inner: o.sender, publisher: o.publisher, sessionID: sessionID}
	dispatcher := conversation.NewDispatcher(callLogger, state, o.resolver, sender,
		o.config.Email.Subject)
	router := conversation.NewRouter(callLogger, leg, bridge, dispatcher, state,
		conversation.RouterConfig{
			EstimatedFarewellDuration: o.config.Conversation.EstimatedFarewellDuration,
			GoodbyeSafetyMargin:       o.config.Conversation.GoodbyeSafetyMargin,
			GoodbyeFallbackDelay:      o.config.Conversation.GoodbyeFallbackDelay,
		})

	go router.Run(callCtx)

	// The conversation deciding it is over ends the call from our side
	go func() {
		<-router.Done()
		o.endCall(call, "conversation_ended")
	}()

	callLogger.Info("Call admitted and wired")
	o.pumpTelephony(callLogger, call, bridge)

	o.endCall(call, "telephony_closed")
	return nil
}

// pumpTelephony reads inbound media events until the stream ends
func (o *Orchestrator) pumpTelephony(logger *logrus.Entry, call *activeCall, bridge *relay.AudioRelay) {
	for {
		event, err := call.stream.ReadEvent()
		if err != nil {
			// A malformed frame is not worth the whole call
			if errors.IsErrorType(err, errors.ErrInvalidInput) {
				logger.WithError(err).Warn("Dropping malformed media frame")
				continue
			}
			logger.WithError(err).Debug("Telephony stream ended")
			return
		}

		switch event.Type {
		case telephony.EventStart:
			logger.WithFields(logrus.Fields{
				"stream_sid": event.StreamSID,
				"call_sid":   event.CallSID,
			}).Info("Media stream started")

		case telephony.EventMedia:
			if err := bridge.ForwardToAI(event.Audio); err != nil {
				logger.WithError(err).Warn("Failed to forward caller audio")
			}

		case telephony.EventStop:
			logger.Info("Caller hung up")
			return
		}
	}
}

// endCall tears one call down exactly once, from whichever side ended first
func (o *Orchestrator) endCall(call *activeCall, reason string) {
	call.endOnce.Do(func() {
		duration := time.Since(call.startedAt)

		ended := o.registry.End(call.sessionID)
		o.untrack(call.sessionID)

		call.cancel()
		if call.leg != nil {
			call.leg.Close()
		}
		call.stream.Close()

		if ended {
			// A force-terminated session was already removed by the sweeper
			// and announced there
			o.publisher.Publish(messaging.CallEvent{
				CallUUID: call.sessionID,
				Event:    messaging.EventCallEnded,
				Metadata: map[string]interface{}{
					"reason":   reason,
					"duration": duration.String(),
				},
			})
		}

		o.logger.WithFields(logrus.Fields{
			"session_id": call.sessionID,
			"reason":     reason,
			"duration":   duration.String(),
		}).Info("Call ended")
	})
}

// forceTerminate is invoked by the session sweeper for calls that exceeded
// their time budget. The session is already deregistered at this point.
func (o *Orchestrator) forceTerminate(sessionID, connectionID string, overtime time.Duration) {
	o.publisher.Publish(messaging.CallEvent{
		CallUUID: sessionID,
		Event:    messaging.EventCallForceEnded,
		Metadata: map[string]interface{}{"overtime": overtime.String()},
	})

	o.mutex.Lock()
	call := o.calls[sessionID]
	o.mutex.Unlock()

	if call == nil {
		o.logger.WithField("session_id", sessionID).
			Warn("Force-terminate for a call that is already gone")
		return
	}

	o.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"overtime":   overtime.String(),
	}).Warn("Session exceeded time budget, hanging up")

	done := make(chan struct{})
	go func() {
		o.endCall(call, "time_budget_exceeded")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.config.Session.ForceHangupTimeout):
		o.logger.WithField("session_id", sessionID).
			Error("Force hangup did not complete within its timeout")
	}
}

// ActiveCalls returns how many calls are currently tracked
func (o *Orchestrator) ActiveCalls() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.calls)
}

// Shutdown hangs up every live call
func (o *Orchestrator) Shutdown() {
	o.mutex.Lock()
	calls := make([]*activeCall, 0, len(o.calls))
	for _, call := range o.calls {
		calls = append(calls, call)
	}
	o.mutex.Unlock()

	for _, call := range calls {
		o.endCall(call, "server_shutdown")
	}
}

func (o *Orchestrator) track(call *activeCall) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.calls[call.sessionID] = call
}

func (o *Orchestrator) untrack(sessionID string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	delete(o.calls, sessionID)
}

// notifyingSender announces each delivered message on the event stream
type notifyingSender struct {
	inner     conversation.MessageSender
	publisher EventPublisher
	sessionID string
}

func (s *notifyingSender) Send(ctx context.Context, recipient, subject, body string) error {
	if err := s.inner.Send(ctx, recipient, subject, body); err != nil {
		return err
	}
	s.publisher.Publish(messaging.CallEvent{
		CallUUID: s.sessionID,
		Event:    messaging.EventMessageSent,
		Metadata: map[string]interface{}{"recipient": recipient},
	})
	return nil
}

func (o *Orchestrator) dialRealtimeAI(ctx context.Context, logger *logrus.Entry) (AILeg, error) {
	client := ai.NewClient(logger, ai.ClientConfig{
		APIKey:       o.config.AI.APIKey,
		RealtimeURL:  o.config.AI.RealtimeURL,
		Model:        o.config.AI.Model,
		Voice:        o.config.AI.Voice,
		Instructions: o.config.AI.Instructions,
		DialTimeout:  o.config.AI.DialTimeout,
		WriteTimeout: o.config.AI.WriteTimeout,
	})
	if err := client.Dial(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
