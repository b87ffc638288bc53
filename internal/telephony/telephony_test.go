package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRenderConnectStartsStreamAndHolds(t *testing.T) {
	twiml, err := RenderConnect("wss://calls.test/twilio/media", "https://calls.test/twilio/hold")
	require.NoError(t, err)

	require.Contains(t, twiml, `<Stream url="wss://calls.test/twilio/media" track="inbound_track">`)
	require.Contains(t, twiml, `<Pause length="30">`)
	require.Contains(t, twiml, `<Redirect method="POST">https://calls.test/twilio/hold</Redirect>`)
	require.Less(t, strings.Index(twiml, "<Start>"), strings.Index(twiml, "<Pause"))
}

func TestRenderSpeak(t *testing.T) {
	twiml, err := RenderSpeak(Utterance{Text: "Rate your day <1-10>"}, "Polly.Joanna", "https://calls.test/hold")
	require.NoError(t, err)
	require.Contains(t, twiml, `<Say voice="Polly.Joanna">Rate your day &lt;1-10&gt;</Say>`)
	require.Contains(t, twiml, "<Redirect")
	require.NotContains(t, twiml, "<Hangup")

	twiml, err = RenderSpeak(Utterance{Text: "ignored", AudioURL: "https://storage.test/a.mp3", HangUp: true}, "", "")
	require.NoError(t, err)
	require.Contains(t, twiml, "<Play>https://storage.test/a.mp3</Play>")
	require.Contains(t, twiml, "<Hangup></Hangup>")
	require.NotContains(t, twiml, "<Say")

	_, err = RenderSpeak(Utterance{Text: "  "}, "", "")
	require.ErrorIs(t, err, ErrEmptyUtterance)
}

func TestHubReplaysEventsPublishedBeforeSubscribe(t *testing.T) {
	hub := NewEventHub()

	hub.Publish(Event{Kind: EventConnected, CallHandle: "CA1"})
	hub.Publish(Event{Kind: EventConnected, CallHandle: "CA2"})

	sub := hub.Subscribe("CA1")
	defer sub.Close()

	hub.Publish(Event{Kind: EventDisconnected, CallHandle: "CA1", Reason: "completed"})

	first := <-sub.Control
	require.Equal(t, EventConnected, first.Kind)
	require.False(t, first.At.IsZero())

	second := <-sub.Control
	require.Equal(t, EventDisconnected, second.Kind)
	require.Equal(t, "completed", second.Reason)

	select {
	case event := <-sub.Control:
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}

func TestHubCloseEndsSubscription(t *testing.T) {
	hub := NewEventHub()

	sub := hub.Subscribe("CA1")
	sub.Close()
	sub.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not done after close")
	}

	hub.Publish(Event{Kind: EventAudio, CallHandle: "CA1", Audio: []byte{1}})
	hub.Publish(Event{Kind: EventDisconnected, CallHandle: "CA1", Reason: "completed"})
}

func TestHubDeliversDisconnectWhenAudioBufferIsFull(t *testing.T) {
	hub := NewEventHub()

	sub := hub.Subscribe("CA1")
	defer sub.Close()

	for i := 0; i < audioBuffer+50; i++ {
		hub.Publish(Event{Kind: EventAudio, CallHandle: "CA1", Audio: []byte{byte(i)}})
	}

	hub.Publish(Event{Kind: EventDisconnected, CallHandle: "CA1", Reason: "completed"})

	require.Len(t, sub.Audio, audioBuffer)

	select {
	case event := <-sub.Control:
		require.Equal(t, EventDisconnected, event.Kind)
		require.Equal(t, "completed", event.Reason)
	case <-time.After(time.Second):
		t.Fatal("disconnect lost behind audio")
	}
}

func TestHubControlEventsWaitForSlowReader(t *testing.T) {
	hub := NewEventHub()

	sub := hub.Subscribe("CA1")
	defer sub.Close()

	for i := 0; i < controlBuffer; i++ {
		hub.Publish(Event{Kind: EventConnected, CallHandle: "CA1"})
	}

	published := make(chan struct{})

	go func() {
		hub.Publish(Event{Kind: EventDisconnected, CallHandle: "CA1", Reason: "busy"})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish returned while the control buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < controlBuffer; i++ {
		require.Equal(t, EventConnected, (<-sub.Control).Kind)
	}

	last := <-sub.Control
	require.Equal(t, EventDisconnected, last.Kind)
	require.Equal(t, "busy", last.Reason)

	<-published
}

func TestHubDropsStalePendingEvents(t *testing.T) {
	hub := NewEventHub()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	hub.Publish(Event{Kind: EventConnected, CallHandle: "old"})

	now = now.Add(pendingTTL + time.Second)
	hub.Publish(Event{Kind: EventConnected, CallHandle: "new"})

	sub := hub.Subscribe("old")
	defer sub.Close()

	select {
	case event := <-sub.Control:
		t.Fatalf("stale event replayed: %+v", event)
	default:
	}
}

func TestStatusEvent(t *testing.T) {
	tests := []struct {
		status    string
		published bool
		kind      EventKind
		failed    bool
	}{
		{"ringing", false, "", false},
		{"in-progress", true, EventConnected, false},
		{"completed", true, EventDisconnected, false},
		{"no-answer", true, EventDisconnected, false},
		{"busy", true, EventDisconnected, false},
		{"failed", true, EventDisconnected, true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			event, ok := StatusEvent("CA1", tt.status)
			require.Equal(t, tt.published, ok)
			require.Equal(t, tt.kind, event.Kind)
			require.Equal(t, tt.failed, event.Failed)
		})
	}
}

type staticValidator struct {
	valid bool
}

func (v staticValidator) Validate(string, map[string]string, string) bool {
	return v.valid
}

func postStatus(router http.Handler, callSid, status string) *httptest.ResponseRecorder {
	form := url.Values{"CallSid": {callSid}, "CallStatus": {status}}

	req := httptest.NewRequest(http.MethodPost, StatusPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	return recorder
}

func TestStatusWebhookPublishesToHub(t *testing.T) {
	hub := NewEventHub()
	server := &WebhookServer{Hub: hub, Validator: staticValidator{valid: true}, BaseURL: "https://calls.test"}
	router := server.Router()

	sub := hub.Subscribe("CA1")
	defer sub.Close()

	require.Equal(t, http.StatusNoContent, postStatus(router, "CA1", "ringing").Code)
	require.Equal(t, http.StatusNoContent, postStatus(router, "CA1", "in-progress").Code)

	event := <-sub.Control
	require.Equal(t, EventConnected, event.Kind)
	require.Equal(t, "CA1", event.CallHandle)
}

func TestStatusWebhookRejectsBadSignature(t *testing.T) {
	hub := NewEventHub()
	server := &WebhookServer{Hub: hub, Validator: staticValidator{valid: false}, BaseURL: "https://calls.test"}

	recorder := postStatus(server.Router(), "CA1", "in-progress")
	require.Equal(t, http.StatusForbidden, recorder.Code)

	sub := hub.Subscribe("CA1")
	defer sub.Close()

	select {
	case event := <-sub.Control:
		t.Fatalf("unsigned request reached the hub: %+v", event)
	default:
	}
}

func TestHoldWebhookServesHoldDocument(t *testing.T) {
	server := &WebhookServer{Hub: NewEventHub(), BaseURL: "https://calls.test"}

	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, HoldPath, nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "https://calls.test/twilio/hold")
}

func TestMediaWebsocketPublishesAudio(t *testing.T) {
	hub := NewEventHub()
	server := &WebhookServer{Hub: hub, BaseURL: "https://calls.test"}

	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	sub := hub.Subscribe("CA9")
	defer sub.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + MediaPath

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	defer func() {
		_ = conn.Close()
	}()

	frames := []map[string]any{
		{"event": "connected"},
		{"event": "start", "start": map[string]any{"callSid": "CA9"}},
		{"event": "media", "media": map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString([]byte{0x7f, 0xff})}},
		{"event": "stop"},
	}

	for _, frame := range frames {
		data, err := json.Marshal(frame)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}

	select {
	case event := <-sub.Audio:
		require.Equal(t, EventAudio, event.Kind)
		require.Equal(t, []byte{0x7f, 0xff}, event.Audio)
	case <-time.After(2 * time.Second):
		t.Fatal("no audio event")
	}
}

type staticProbe struct {
	checks map[string]string
	ready  bool
}

func (p staticProbe) Probe(context.Context) (map[string]string, bool) {
	return p.checks, p.ready
}

func TestReadyEndpoint(t *testing.T) {
	server := &WebhookServer{
		Hub:       NewEventHub(),
		Readiness: staticProbe{checks: map[string]string{"minio": "down"}, ready: false},
	}

	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, ReadyPath, nil))

	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.False(t, body.Ready)
	require.Equal(t, "down", body.Checks["minio"])

	server.Readiness = staticProbe{checks: map[string]string{"minio": "ok"}, ready: true}
	recorder = httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, ReadyPath, nil))

	require.Equal(t, http.StatusOK, recorder.Code)
}

func newUpdateClient(update func(string, *twilioApi.UpdateCallParams) error) *TwilioClient {
	return &TwilioClient{
		CircuitBreaker:  gobreaker.NewCircuitBreaker[string](gobreaker.Settings{Name: "TwilioTest"}),
		BaseURL:         "https://calls.test",
		RetryAttempts:   3,
		RetryMinBackoff: time.Millisecond,
		RetryMaxBackoff: 2 * time.Millisecond,
		updateCall:      update,
	}
}

func TestCallUpdatesRetryTransientFailures(t *testing.T) {
	calls := 0
	client := newUpdateClient(func(callHandle string, _ *twilioApi.UpdateCallParams) error {
		require.Equal(t, "CA1", callHandle)

		calls++
		if calls == 1 {
			return errors.New("503 service unavailable")
		}

		return nil
	})

	require.NoError(t, client.End(context.Background(), "CA1"))
	require.Equal(t, 2, calls)

	require.NoError(t, client.Speak(context.Background(), "CA1", Utterance{Text: "Hello"}))
	require.Equal(t, 3, calls)
}

func TestCallUpdatesGiveUpAfterAttempts(t *testing.T) {
	calls := 0
	client := newUpdateClient(func(string, *twilioApi.UpdateCallParams) error {
		calls++
		return errors.New("call not in progress")
	})

	err := client.End(context.Background(), "CA1")
	require.EqualError(t, err, "call not in progress")
	require.Equal(t, 3, calls)
}
