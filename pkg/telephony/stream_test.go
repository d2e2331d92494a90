package telephony

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(logger)
}

// streamPair upgrades one connection on a test server and returns the
// server-side media stream plus the raw client connection
func streamPair(t *testing.T) (*WSMediaStream, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	streamCh := make(chan *WSMediaStream, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		streamCh <- NewWSMediaStream(testLogger(), conn, time.Second)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	stream := <-streamCh
	t.Cleanup(func() { stream.Close() })
	return stream, client
}

func TestReadEventStartAndMedia(t *testing.T) {
	stream, client := streamPair(t)

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"event": "start",
		"start": map[string]string{"streamSid": "MZ123", "callSid": "CA456"},
	}))

	event, err := stream.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, EventStart, event.Type)
	assert.Equal(t, "MZ123", event.StreamSID)
	assert.Equal(t, "CA456", event.CallSID)
	assert.Equal(t, "CA456", stream.CallSID())

	payload := base64.StdEncoding.EncodeToString([]byte{0x7f, 0x80})
	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"event": "media",
		"media": map[string]string{"payload": payload},
	}))

	event, err = stream.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, EventMedia, event.Type)
	assert.Equal(t, []byte{0x7f, 0x80}, event.Audio)
}

func TestReadEventRejectsMalformedFrames(t *testing.T) {
	stream, client := streamPair(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))
	_, err := stream.ReadEvent()
	assert.Error(t, err)

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"event": "media",
		"media": map[string]string{"payload": "!!! not base64 !!!"},
	}))
	_, err = stream.ReadEvent()
	assert.Error(t, err)
}

func TestSendAudioAndClear(t *testing.T) {
	stream, client := streamPair(t)

	// The start event seeds the stream SID used on outbound frames
	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"event": "start",
		"start": map[string]string{"streamSid": "MZ123", "callSid": "CA456"},
	}))
	_, err := stream.ReadEvent()
	require.NoError(t, err)

	require.NoError(t, stream.SendAudio([]byte{0x01, 0x02, 0x03}))

	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	require.NoError(t, client.ReadJSON(&media))
	assert.Equal(t, "media", media.Event)
	assert.Equal(t, "MZ123", media.StreamSID)
	decoded, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, decoded)

	require.NoError(t, stream.SendClear())

	var clearMsg struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
	}
	require.NoError(t, client.ReadJSON(&clearMsg))
	assert.Equal(t, "clear", clearMsg.Event)
	assert.Equal(t, "MZ123", clearMsg.StreamSID)
}

func TestCloseIsIdempotent(t *testing.T) {
	stream, _ := streamPair(t)

	first := stream.Close()
	second := stream.Close()
	assert.Equal(t, first, second)
}

func TestConnectionIDIsStable(t *testing.T) {
	stream, _ := streamPair(t)

	id := stream.ConnectionID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, stream.ConnectionID())
}
