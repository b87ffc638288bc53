package judge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/completion"
	"github.com/goccy/go-json"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/require"
)

func TestParseJudgment(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		complete   bool
		confidence float64
		malformed  bool
	}{
		{"plain json", `{"is_complete": true, "confidence": 0.92}`, true, 0.92, false},
		{"fenced json", "```json\n{\"is_complete\": false, \"confidence\": 0.3}\n```", false, 0.3, false},
		{"missing confidence", `{"is_complete": true}`, false, 0, true},
		{"confidence above one", `{"is_complete": true, "confidence": 1.4}`, false, 0, true},
		{"not json", "yes, they are done", false, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			judgment, err := ParseJudgment(tt.content)
			if tt.malformed {
				require.ErrorIs(t, err, completion.ErrMalformedJudgment)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.complete, judgment.IsComplete)
			require.InDelta(t, tt.confidence, judgment.Confidence, 1e-9)
		})
	}
}

func TestJudgeSendsPromptAndParsesReply(t *testing.T) {
	var received atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(string(body))

		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}

		reply, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "judge",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"is_complete": true, "confidence": 0.88}`,
				},
			}},
		})

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	}))
	defer server.Close()

	client := openai.NewClient(
		option.WithBaseURL(server.URL+"/v1/"),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)

	judgeClient := &JudgeClient{
		Client:         &client,
		CircuitBreaker: newJudgeCircuitBreaker(),
		Model:          "judge",
	}

	judgment, err := judgeClient.Judge(context.Background(), "What went well today?", "My presentation.", 4*time.Second)
	require.NoError(t, err)
	require.True(t, judgment.IsComplete)
	require.InDelta(t, 0.88, judgment.Confidence, 1e-9)

	body, _ := received.Load().(string)
	require.Contains(t, body, "What went well today?")
	require.Contains(t, body, "My presentation.")
	require.Contains(t, body, `"model":"judge"`)
}
