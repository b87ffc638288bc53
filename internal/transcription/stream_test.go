package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer answers each audio frame with an interim and a final transcript, and
// reports a server error once it sees the frame "boom".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("encoding") != "pcm_mulaw" {
			http.Error(w, "bad encoding", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer func() {
			_ = conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if string(data) == "boom" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"quota exceeded"}`))
				return
			}

			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"I am","is_final":false}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"I am grateful.","is_final":true}`))
		}
	}))
	t.Cleanup(server.Close)

	return server
}

func newTestClient(server *httptest.Server, encoding string) *Client {
	return &Client{
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
		Model:       "ink-whisper",
		Language:    "en",
		Encoding:    encoding,
		SampleRate:  8000,
		DialTimeout: 2 * time.Second,
	}
}

func nextResult(t *testing.T, stream *Stream) Result {
	t.Helper()

	select {
	case result, ok := <-stream.Results():
		require.True(t, ok, "results closed early")
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	return Result{}
}

func TestStreamDeliversInterimAndFinalResults(t *testing.T) {
	client := newTestClient(echoServer(t), "pcm_mulaw")

	stream, err := client.Open(context.Background(), "CA1")
	require.NoError(t, err)

	require.NoError(t, stream.SendAudio([]byte{0xff, 0x7f}))

	interim := nextResult(t, stream)
	require.False(t, interim.IsFinal)

	final := nextResult(t, stream)
	require.True(t, final.IsFinal)
	require.Equal(t, "I am grateful.", final.Text)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	require.ErrorIs(t, stream.SendAudio([]byte{0}), ErrStreamClosed)
	require.NoError(t, stream.Err())
}

func TestStreamReportsServerError(t *testing.T) {
	client := newTestClient(echoServer(t), "pcm_mulaw")

	stream, err := client.Open(context.Background(), "CA1")
	require.NoError(t, err)

	defer func() {
		_ = stream.Close()
	}()

	require.NoError(t, stream.SendAudio([]byte("boom")))

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-stream.Results():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, stream.Err(), ErrServerError)
}

func TestOpenFailsOnRejectedHandshake(t *testing.T) {
	client := newTestClient(echoServer(t), "linear16")

	_, err := client.Open(context.Background(), "CA1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
}
