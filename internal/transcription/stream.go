package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrStreamClosed = errors.New("transcription stream closed")
	ErrServerError  = errors.New("transcription server reported an error")
)

// Result is one transcript update. Interim results are revised until a final one for the
// same utterance arrives.
type Result struct {
	Text    string
	IsFinal bool
}

type serverMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Message string `json:"message"`
}

// Client opens one streaming recognition session per call.
type Client struct {
	URL         string
	APIKey      string
	Model       string
	Language    string
	Encoding    string
	SampleRate  int
	DialTimeout time.Duration
}

func NewClient() *Client {
	return &Client{
		URL:         config.Conf.STTWebsocketURL,
		APIKey:      config.Conf.STTAPIKey,
		Model:       config.Conf.STTModel,
		Language:    config.Conf.STTLanguage,
		Encoding:    config.Conf.STTEncoding,
		SampleRate:  config.Conf.STTSampleRate,
		DialTimeout: time.Duration(config.Conf.STTDialTimeout) * time.Second,
	}
}

// Stream is a live recognition session. Results is closed when the session ends; Err then
// reports why, or nil after Close.
type Stream struct {
	conn      *websocket.Conn
	results   chan Result
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	callID    string
}

func (c *Client) Open(ctx context.Context, callID string) (*Stream, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	q := u.Query()
	q.Set("model", c.Model)
	q.Set("language", c.Language)
	q.Set("encoding", c.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if c.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.DialTimeout}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer func() {
				_ = resp.Body.Close()
			}()

			body, _ := io.ReadAll(resp.Body)

			return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
		}

		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &Stream{
		conn:    conn,
		results: make(chan Result, 100),
		done:    make(chan struct{}),
		callID:  callID,
	}

	go s.readLoop()

	logging.Logger.Info("[Open] Transcription stream opened", zap.String("call_handle", callID))

	return s, nil
}

func (s *Stream) Results() <-chan Result {
	return s.results
}

// SendAudio forwards one chunk of call audio in the call's native encoding.
func (s *Stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Err reports why the stream ended. It is nil while the stream is open and after Close.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// Close ends the session. It is safe to call more than once and from any goroutine.
func (s *Stream) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()

		err = s.conn.Close()
	})

	return err
}

func (s *Stream) readLoop() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage

		err = json.Unmarshal(data, &msg)
		if err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			select {
			case s.results <- Result{Text: msg.Text, IsFinal: msg.IsFinal}:
			case <-s.done:
				return
			}
		case "error":
			s.finish(fmt.Errorf("%w: %s", ErrServerError, msg.Message))
			return
		case "done":
			s.finish(ErrStreamClosed)
			return
		}
	}
}

func (s *Stream) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}

	logging.Logger.Warn("[readLoop] Transcription stream ended",
		zap.String("call_handle", s.callID),
		zap.String("error", err.Error()),
	)

	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}
