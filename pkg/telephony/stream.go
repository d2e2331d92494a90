package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
)

// Controller hangs up a live call leg by connection ID
type Controller interface {
	HangUp(ctx context.Context, connectionID string) error
}

// Event is one parsed inbound frame from the telephony media stream
type Event struct {
	Type      string
	StreamSID string
	CallSID   string

	// Audio is the decoded payload of a media event
	Audio []byte
}

// Inbound event types
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

type inboundMessage struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	StreamSID string `json:"streamSid,omitempty"`
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// WSMediaStream is the telephony leg of one call: a WebSocket media stream
// carrying G.711 ulaw both ways as JSON events. Writes are serialized by a
// mutex; reads belong to a single pump goroutine.
type WSMediaStream struct {
	logger *logrus.Entry
	conn   *websocket.Conn

	connectionID string
	writeTimeout time.Duration

	writeMutex sync.Mutex
	streamSID  string
	callSID    string

	closeOnce sync.Once
	closeErr  error
}

// NewWSMediaStream wraps an accepted media stream connection
func NewWSMediaStream(logger *logrus.Entry, conn *websocket.Conn, writeTimeout time.Duration) *WSMediaStream {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	return &WSMediaStream{
		logger:       logger,
		conn:         conn,
		connectionID: uuid.New().String(),
		writeTimeout: writeTimeout,
	}
}

// ConnectionID identifies this leg independently of the provider's stream SID
func (s *WSMediaStream) ConnectionID() string {
	return s.connectionID
}

// CallSID returns the provider call identifier, empty before the start event
func (s *WSMediaStream) CallSID() string {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.callSID
}

// ReadEvent blocks for the next inbound event. It returns an error when the
// peer hangs up or the connection breaks.
func (s *WSMediaStream) ReadEvent() (*Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "media stream read failed", nil)
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.NewInvalidInput("malformed media stream message",
			map[string]interface{}{"size": len(data)})
	}

	event := &Event{Type: msg.Event}

	switch msg.Event {
	case EventStart:
		if msg.Start == nil {
			return nil, errors.NewInvalidInput("start event missing body", nil)
		}
		event.StreamSID = msg.Start.StreamSID
		event.CallSID = msg.Start.CallSID

		s.writeMutex.Lock()
		s.streamSID = msg.Start.StreamSID
		s.callSID = msg.Start.CallSID
		s.writeMutex.Unlock()

	case EventMedia:
		if msg.Media == nil {
			return nil, errors.NewInvalidInput("media event missing payload", nil)
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, errors.NewInvalidInput("media payload is not base64", nil)
		}
		event.Audio = audio
	}

	return event, nil
}

// SendAudio writes one ulaw frame to the caller
func (s *WSMediaStream) SendAudio(payload []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	msg := outboundMedia{Event: EventMedia, StreamSID: s.streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	return s.writeJSONLocked(msg)
}

// SendClear tells the provider to drop any queued playback audio
func (s *WSMediaStream) SendClear() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	return s.writeJSONLocked(outboundClear{Event: "clear", StreamSID: s.streamSID})
}

// Close hangs up the media stream. Safe to call more than once.
func (s *WSMediaStream) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(s.writeTimeout)
		if err := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			deadline); err != nil {
			s.logger.WithError(err).Debug("Close frame write failed")
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *WSMediaStream) writeJSONLocked(v interface{}) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return errors.Wrap(err, "failed to set write deadline", nil)
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return errors.Wrap(err, "media stream write failed", nil)
	}
	return nil
}
