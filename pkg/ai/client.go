package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// ClientConfig holds the realtime connection configuration
type ClientConfig struct {
	APIKey       string
	RealtimeURL  string
	Model        string
	Voice        string
	Instructions string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client is the AI leg of one call: a persistent duplex WebSocket connection
// to the realtime speech service. Reads are delivered as typed events on the
// Events channel by a single read pump; writes are serialized by a mutex.
type Client struct {
	logger *logrus.Entry
	config ClientConfig

	conn       *websocket.Conn
	writeMutex sync.Mutex

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

// Tool is a function schema exposed to the AI
type Tool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// NewClient creates an AI leg client. Dial must be called before use.
func NewClient(logger *logrus.Entry, config ClientConfig) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	return &Client{
		logger: logger,
		config: config,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
}

// Dial connects to the realtime service and starts the read pump
func (c *Client) Dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s?model=%s", c.config.RealtimeURL, c.config.Model)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return errors.Wrap(err, "failed to dial realtime AI service",
			map[string]interface{}{"status": status})
	}
	c.conn = conn

	go c.readPump()

	c.logger.WithField("model", c.config.Model).Info("AI leg connected")
	return nil
}

// ConfigureSession sends the session.update establishing voice, server VAD,
// telephony audio formats and the function tool schema
func (c *Client) ConfigureSession(tools []Tool) error {
	update := map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"modalities":          []string{"audio", "text"},
			"voice":               c.config.Voice,
			"instructions":        c.config.Instructions,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"turn_detection": map[string]interface{}{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
			"tools":       tools,
			"tool_choice": "auto",
		},
	}
	return c.writeJSON(update)
}

// AppendAudio forwards one base64 caller audio chunk to the AI input buffer
func (c *Client) AppendAudio(audioB64 string) error {
	return c.writeJSON(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": audioB64,
	})
}

// SendFunctionOutput writes a function call result back to the conversation
// and asks the AI to continue generating a response
func (c *Client) SendFunctionOutput(callID, output string) error {
	item := map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	return c.CreateResponse()
}

// CreateResponse asks the AI to generate its next response
func (c *Client) CreateResponse() error {
	return c.writeJSON(map[string]interface{}{"type": "response.create"})
}

// Events returns the typed event stream. The channel is closed when the
// connection drops or Close is called.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close tears down the AI leg
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.writeMutex.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMutex.Unlock()
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Client) writeJSON(v interface{}) error {
	if c.conn == nil {
		return errors.ErrAILegClosed
	}
	select {
	case <-c.closed:
		return errors.ErrAILegClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode AI message")
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write to AI leg")
	}
	return nil
}

// readPump reads raw messages, parses them into typed events and delivers
// them in arrival order. Malformed events are dropped individually; a closed
// socket ends the pump and closes the event channel.
func (c *Client) readPump() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Shutdown initiated locally
			default:
				c.logger.WithError(err).Info("AI leg read loop ended")
			}
			return
		}

		event, err := ParseEvent(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping malformed AI event")
			continue
		}

		if unknown, ok := event.(Unknown); ok {
			c.logger.WithField("type", unknown.Type).Debug("Ignoring unknown AI event type")
			continue
		}

		metrics.IncCounterVec(metrics.AIEvents, EventType(event))

		select {
		case c.events <- event:
		case <-c.closed:
			return
		}
	}
}
