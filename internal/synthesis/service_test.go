package synthesis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/require"
)

type memoryAudioStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	presignErr error
}

func (s *memoryAudioStore) Upload(_ context.Context, data []byte, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = data

	return nil
}

func (s *memoryAudioStore) Presign(_ context.Context, key string) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}

	return "https://storage.test/" + key + "?signature=abc", nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, store AudioStore) *TTSClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := openai.NewClient(
		option.WithBaseURL(server.URL+"/v1/"),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)

	return &TTSClient{
		Client:         &client,
		CircuitBreaker: newTTSCircuitBreaker(),
		Store:          store,
		Model:          "tts-1",
		Voice:          "alloy",
		Format:         "mp3",
		Prefix:         "prompts",
	}
}

func TestSynthesizeUploadsAndPresigns(t *testing.T) {
	var requests atomic.Int32

	store := &memoryAudioStore{objects: map[string][]byte{}}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-audio"))
	}, store)

	first, err := client.Synthesize(context.Background(), "How are you feeling today?")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first, "https://storage.test/prompts/"))

	second, err := client.Synthesize(context.Background(), "How are you feeling today?")
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Len(t, store.objects, 1)

	for key, data := range store.objects {
		require.True(t, strings.HasSuffix(key, ".mp3"))
		require.Equal(t, []byte("ID3-fake-audio"), data)
	}

	require.EqualValues(t, 2, requests.Load())
}

func TestSynthesizeReportsStorageFailure(t *testing.T) {
	store := &memoryAudioStore{objects: map[string][]byte{}, presignErr: errors.New("bucket unavailable")}
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("audio"))
	}, store)

	_, err := client.Synthesize(context.Background(), "Goodbye.")
	require.Error(t, err)
}
