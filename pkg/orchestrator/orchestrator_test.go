package orchestrator

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/ai"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/directory"
	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/session"
	"voicegate-server/pkg/telephony"
)

// streamFrame carries either an inbound event or a read error
type streamFrame struct {
	event *telephony.Event
	err   error
}

type fakeStream struct {
	id     string
	frames chan streamFrame

	mutex     sync.Mutex
	sent      [][]byte
	clears    int
	closed    bool
	closeOnce sync.Once
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, frames: make(chan streamFrame, 32)}
}

func (f *fakeStream) push(event *telephony.Event) { f.frames <- streamFrame{event: event} }
func (f *fakeStream) pushErr(err error)           { f.frames <- streamFrame{err: err} }

func (f *fakeStream) ConnectionID() string { return f.id }
func (f *fakeStream) CallSID() string      { return "CA" + f.id }

func (f *fakeStream) ReadEvent() (*telephony.Event, error) {
	frame, ok := <-f.frames
	if !ok {
		return nil, io.EOF
	}
	if frame.err != nil {
		return nil, frame.err
	}
	return frame.event, nil
}

func (f *fakeStream) SendAudio(payload []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeStream) SendClear() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.clears++
	return nil
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() {
		f.mutex.Lock()
		f.closed = true
		f.mutex.Unlock()
		close(f.frames)
	})
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

type fakeAILeg struct {
	events chan ai.Event

	mutex      sync.Mutex
	appended   []string
	outputs    []string
	configured bool
	closed     bool
	closeOnce  sync.Once
}

func newFakeAILeg() *fakeAILeg {
	return &fakeAILeg{events: make(chan ai.Event, 32)}
}

func (f *fakeAILeg) Events() <-chan ai.Event { return f.events }

func (f *fakeAILeg) SendFunctionOutput(callID, output string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.outputs = append(f.outputs, output)
	return nil
}

func (f *fakeAILeg) AppendAudio(audioB64 string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.appended = append(f.appended, audioB64)
	return nil
}

func (f *fakeAILeg) ConfigureSession(tools []ai.Tool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.configured = true
	return nil
}

func (f *fakeAILeg) Close() error {
	f.closeOnce.Do(func() {
		f.mutex.Lock()
		f.closed = true
		f.mutex.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeAILeg) appendedFrames() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.appended...)
}

// fakePublisher records published call events in order
type fakePublisher struct {
	mutex  sync.Mutex
	events []messaging.CallEvent
}

func (p *fakePublisher) Publish(event messaging.CallEvent) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) eventNames() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	names := make([]string, 0, len(p.events))
	for _, event := range p.events {
		names = append(names, event.Event)
	}
	return names
}

func (p *fakePublisher) find(name string) (messaging.CallEvent, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, event := range p.events {
		if event.Event == name {
			return event, true
		}
	}
	return messaging.CallEvent{}, false
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Session.MaxConcurrentSessions = 2
	cfg.Session.SessionTimeout = time.Minute
	cfg.Session.SweepInterval = time.Second
	cfg.Session.ForceHangupTimeout = time.Second
	cfg.Relay.PreReadyBufferFrames = 100
	cfg.Conversation.EstimatedFarewellDuration = 40 * time.Millisecond
	cfg.Conversation.GoodbyeSafetyMargin = 10 * time.Millisecond
	cfg.Conversation.GoodbyeFallbackDelay = 20 * time.Millisecond
	cfg.Email.Subject = "New phone message"
	return cfg
}

type testHarness struct {
	orchestrator *Orchestrator
	registry     *session.Registry
	publisher    *fakePublisher
	legs         chan *fakeAILeg
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	registry := session.NewRegistry(logger, session.RegistryConfig{
		MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		SessionTimeout:        cfg.Session.SessionTimeout,
		SweepInterval:         cfg.Session.SweepInterval,
	})

	store := directory.NewMemoryStore()
	store.Put("staff", directory.Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})
	resolver := directory.NewResolver(logger, store, directory.ResolverConfig{
		Partition: "staff", CacheTTL: time.Minute, CacheSize: 100,
	})

	h := &testHarness{
		registry:  registry,
		publisher: &fakePublisher{},
		legs:      make(chan *fakeAILeg, 8),
	}

	h.orchestrator = New(logger, cfg, registry, resolver, &nopSender{}, h.publisher)
	h.orchestrator.dialAI = func(ctx context.Context, logger *logrus.Entry) (AILeg, error) {
		leg := newFakeAILeg()
		h.legs <- leg
		return leg, nil
	}
	return h
}

type nopSender struct{}

func (nopSender) Send(ctx context.Context, recipient, subject, body string) error { return nil }

func TestHandleStreamFullCall(t *testing.T) {
	h := newHarness(t, testConfig())
	stream := newFakeStream("conn-1")

	done := make(chan error, 1)
	go func() { done <- h.orchestrator.HandleStream(context.Background(), stream) }()

	leg := <-h.legs

	stream.push(&telephony.Event{Type: telephony.EventStart, StreamSID: "MZ1", CallSID: "CA1"})
	leg.events <- ai.SessionUpdated{}

	// Caller audio flows to the AI leg once the session is live
	stream.push(&telephony.Event{Type: telephony.EventMedia, Audio: []byte{0x01, 0x02}})
	require.Eventually(t, func() bool { return len(leg.appendedFrames()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}), leg.appendedFrames()[0])

	assert.Equal(t, 1, h.registry.ActiveCount())

	// Caller hangs up
	stream.push(&telephony.Event{Type: telephony.EventStop})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}

	assert.Equal(t, 0, h.registry.ActiveCount())
	assert.Equal(t, 0, h.orchestrator.ActiveCalls())
	assert.True(t, stream.isClosed())
	assert.Equal(t, []string{messaging.EventCallAdmitted, messaging.EventCallEnded},
		h.publisher.eventNames())
}

func TestHandleStreamRejectsOverAdmissionBound(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxConcurrentSessions = 1
	h := newHarness(t, cfg)

	first := newFakeStream("conn-1")
	go h.orchestrator.HandleStream(context.Background(), first)
	<-h.legs
	require.Eventually(t, func() bool { return h.registry.ActiveCount() == 1 },
		time.Second, 5*time.Millisecond)

	second := newFakeStream("conn-2")
	err := h.orchestrator.HandleStream(context.Background(), second)
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrSessionLimitReached))
	assert.True(t, second.isClosed(), "rejected streams are hung up immediately")

	// The live call is unaffected
	assert.Equal(t, 1, h.registry.ActiveCount())
	first.Close()
}

func TestHandleStreamSkipsMalformedFrames(t *testing.T) {
	h := newHarness(t, testConfig())
	stream := newFakeStream("conn-1")

	done := make(chan error, 1)
	go func() { done <- h.orchestrator.HandleStream(context.Background(), stream) }()

	leg := <-h.legs
	stream.push(&telephony.Event{Type: telephony.EventStart, StreamSID: "MZ1", CallSID: "CA1"})
	leg.events <- ai.SessionUpdated{}

	// One garbage frame must not tear the call down
	stream.pushErr(errors.NewInvalidInput("media payload is not base64", nil))
	stream.push(&telephony.Event{Type: telephony.EventMedia, Audio: []byte{0x0a}})

	require.Eventually(t, func() bool { return len(leg.appendedFrames()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.registry.ActiveCount(), "call survives the malformed frame")

	stream.push(&telephony.Event{Type: telephony.EventStop})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}
}

func TestHandleStreamEndsWhenConversationEnds(t *testing.T) {
	h := newHarness(t, testConfig())
	stream := newFakeStream("conn-1")

	done := make(chan error, 1)
	go func() { done <- h.orchestrator.HandleStream(context.Background(), stream) }()

	leg := <-h.legs
	leg.events <- ai.SessionUpdated{}
	leg.events <- ai.FunctionCallDone{Name: "end_call", CallID: "c1", Arguments: "{}"}
	leg.events <- ai.ResponseDone{}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after the conversation ended")
	}

	assert.True(t, stream.isClosed(), "our side hangs up after the farewell window")
	assert.Equal(t, 0, h.registry.ActiveCount())
}

func TestMessageDeliveryIsPublished(t *testing.T) {
	h := newHarness(t, testConfig())
	stream := newFakeStream("conn-1")

	done := make(chan error, 1)
	go func() { done <- h.orchestrator.HandleStream(context.Background(), stream) }()

	leg := <-h.legs
	leg.events <- ai.SessionUpdated{}
	leg.events <- ai.FunctionCallDone{Name: "collect_caller_name", CallID: "c1",
		Arguments: `{"first_name":"Jack","last_name":"Jones"}`}
	leg.events <- ai.FunctionCallDone{Name: "send_message", CallID: "c2",
		Arguments: `{"name":"Adrian Baker","message":"please call back"}`}

	require.Eventually(t, func() bool {
		_, ok := h.publisher.find(messaging.EventMessageSent)
		return ok
	}, time.Second, 5*time.Millisecond)

	event, _ := h.publisher.find(messaging.EventMessageSent)
	assert.Equal(t, "adrian.baker@example.com", event.Metadata["recipient"])

	stream.push(&telephony.Event{Type: telephony.EventStop})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}

	assert.Equal(t, []string{messaging.EventCallAdmitted, messaging.EventMessageSent,
		messaging.EventCallEnded}, h.publisher.eventNames())
}

func TestCallLifecycleMetricsCountOnce(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	metrics.Init(logger)
	metrics.EnableMetrics(true)
	t.Cleanup(func() { metrics.EnableMetrics(false) })

	cfg := testConfig()
	cfg.Session.MaxConcurrentSessions = 1
	h := newHarness(t, cfg)

	admittedBefore := testutil.ToFloat64(metrics.CallsAdmitted)
	rejectedBefore := testutil.ToFloat64(metrics.CallsRejected)

	stream := newFakeStream("conn-1")
	done := make(chan error, 1)
	go func() { done <- h.orchestrator.HandleStream(context.Background(), stream) }()

	leg := <-h.legs
	stream.push(&telephony.Event{Type: telephony.EventStart, StreamSID: "MZ1", CallSID: "CA1"})
	leg.events <- ai.SessionUpdated{}
	require.Eventually(t, func() bool { return h.registry.ActiveCount() == 1 },
		time.Second, 5*time.Millisecond)

	// A rejection over the admission bound counts exactly once
	second := newFakeStream("conn-2")
	require.Error(t, h.orchestrator.HandleStream(context.Background(), second))
	assert.Equal(t, rejectedBefore+1, testutil.ToFloat64(metrics.CallsRejected))

	stream.push(&telephony.Event{Type: telephony.EventStop})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}

	// And one completed call counts as exactly one admission
	assert.Equal(t, admittedBefore+1, testutil.ToFloat64(metrics.CallsAdmitted))
}

func TestForceTerminateHangsUpExpiredCall(t *testing.T) {
	cfg := testConfig()
	cfg.Session.SessionTimeout = 60 * time.Millisecond
	cfg.Session.SweepInterval = 20 * time.Millisecond
	h := newHarness(t, cfg)

	stream := newFakeStream("conn-1")
	done := make(chan error, 1)
	go func() { done <- h.orchestrator.HandleStream(context.Background(), stream) }()
	<-h.legs

	h.registry.StartSweeper()
	defer h.registry.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expired call was not force-terminated")
	}

	assert.True(t, stream.isClosed())
	assert.Equal(t, 0, h.registry.ActiveCount())
	assert.Equal(t, 0, h.orchestrator.ActiveCalls())
}

func TestShutdownHangsUpLiveCalls(t *testing.T) {
	h := newHarness(t, testConfig())

	first := newFakeStream("conn-1")
	second := newFakeStream("conn-2")
	go h.orchestrator.HandleStream(context.Background(), first)
	go h.orchestrator.HandleStream(context.Background(), second)
	<-h.legs
	<-h.legs
	require.Eventually(t, func() bool { return h.orchestrator.ActiveCalls() == 2 },
		time.Second, 5*time.Millisecond)

	h.orchestrator.Shutdown()

	require.Eventually(t, func() bool {
		return first.isClosed() && second.isClosed() && h.registry.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)
}
