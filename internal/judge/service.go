package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/completion"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var ErrEmptyJudgeResponse = errors.New("judge returned no choices")

const systemPrompt = `You decide whether a person has finished answering a question on a phone call.
The answer is a live speech transcript and may stop mid-sentence.
Reply with JSON only: {"is_complete": true|false, "confidence": 0.0-1.0}.
is_complete is true when the answer is a finished thought that responds to the question.
Trailing conjunctions, unfinished clauses and filler words mean the person is still talking.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat responseFormat `json:"response_format"`
}

type judgmentPayload struct {
	IsComplete *bool    `json:"is_complete"`
	Confidence *float64 `json:"confidence"`
}

// JudgeClient asks an OpenAI compatible chat model whether an answer is finished.
type JudgeClient struct {
	Client         *openai.Client
	CircuitBreaker *gobreaker.CircuitBreaker[completion.Judgment]
	Model          string
}

func NewClient() *JudgeClient {
	opts := []option.RequestOption{
		option.WithBaseURL(config.Conf.JudgeBaseUrl),
		option.WithRequestTimeout(time.Duration(config.Conf.JudgeTimeout) * time.Second),
		option.WithMaxRetries(0),
	}

	if config.Conf.JudgeAPIKey != "" {
		opts = append(opts, option.WithAPIKey(config.Conf.JudgeAPIKey))
	}

	client := openai.NewClient(opts...)

	return &JudgeClient{
		Client:         &client,
		CircuitBreaker: newJudgeCircuitBreaker(),
		Model:          config.Conf.JudgeModel,
	}
}

func newJudgeCircuitBreaker() *gobreaker.CircuitBreaker[completion.Judgment] {
	settings := gobreaker.Settings{
		Name:     "JudgeClient",
		Interval: time.Duration(config.Conf.JudgeIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.JudgeConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)
		},
	}

	return gobreaker.NewCircuitBreaker[completion.Judgment](settings)
}

// Judge implements completion.Judge. An open breaker fails fast so the detector falls back
// to heuristics without waiting on the model.
func (judgeClient *JudgeClient) Judge(
	ctx context.Context,
	prompt, answer string,
	silence time.Duration,
) (completion.Judgment, error) {
	return judgeClient.CircuitBreaker.Execute(func() (completion.Judgment, error) {
		return judgeClient.doJudgeRequest(ctx, prompt, answer, silence)
	})
}

func (judgeClient *JudgeClient) doJudgeRequest(
	ctx context.Context,
	prompt, answer string,
	silence time.Duration,
) (completion.Judgment, error) {
	var judgment completion.Judgment

	if ctx.Err() != nil {
		return judgment, ctx.Err()
	}

	body, err := json.Marshal(judgeClient.buildRequest(prompt, answer, silence))
	if err != nil {
		return judgment, err
	}

	err = retry.Do(
		func() error {
			resp, err := judgeClient.Client.Chat.Completions.New(
				ctx,
				openai.ChatCompletionNewParams{},
				option.WithRequestBody("application/json", body),
			)
			if err != nil {
				logging.Logger.Warn("[doJudgeRequest] Judge request failed",
					zap.String("error", err.Error()),
					zap.Bool("is_context_error", ctx.Err() != nil),
				)

				return err
			}

			if len(resp.Choices) == 0 {
				return ErrEmptyJudgeResponse
			}

			judgment, err = ParseJudgment(resp.Choices[0].Message.Content)

			return err
		},
		retry.Context(ctx),
		retry.Attempts(config.Conf.JudgeRetryMaxAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Duration(config.Conf.JudgeRetryMinBackoff)*time.Millisecond),
		retry.MaxDelay(time.Duration(config.Conf.JudgeRetryMaxBackoff)*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return completion.Judgment{}, err
	}

	logging.Logger.Debug("[doJudgeRequest] Judgment received",
		zap.Bool("is_complete", judgment.IsComplete),
		zap.Float64("confidence", judgment.Confidence),
		zap.Duration("silence", silence),
	)

	return judgment, nil
}

func (judgeClient *JudgeClient) buildRequest(prompt, answer string, silence time.Duration) chatRequest {
	user := fmt.Sprintf(
		"Question: %s\nAnswer so far: %s\nSilence since last word: %.1f seconds",
		prompt,
		answer,
		silence.Seconds(),
	)

	return chatRequest{
		Model: judgeClient.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		MaxTokens:      50,
		ResponseFormat: responseFormat{Type: "json_object"},
	}
}

// ParseJudgment reads the model's JSON reply. Models sometimes wrap JSON in a code fence,
// which is stripped. Missing fields and out of range confidence are malformed.
func ParseJudgment(content string) (completion.Judgment, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload judgmentPayload

	err := json.Unmarshal([]byte(content), &payload)
	if err != nil {
		return completion.Judgment{}, fmt.Errorf("%w: %s", completion.ErrMalformedJudgment, err.Error())
	}

	if payload.IsComplete == nil || payload.Confidence == nil {
		return completion.Judgment{}, fmt.Errorf("%w: missing fields", completion.ErrMalformedJudgment)
	}

	if *payload.Confidence < 0 || *payload.Confidence > 1 {
		return completion.Judgment{}, fmt.Errorf("%w: confidence %v out of range", completion.ErrMalformedJudgment, *payload.Confidence)
	}

	return completion.Judgment{IsComplete: *payload.IsComplete, Confidence: *payload.Confidence}, nil
}
