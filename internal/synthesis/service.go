package synthesis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/minio"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var ErrEmptyAudio = errors.New("speech endpoint returned no audio")

// AudioStore keeps synthesized audio somewhere the telephony provider can fetch it.
type AudioStore interface {
	Upload(ctx context.Context, data []byte, key, contentType string) error
	Presign(ctx context.Context, key string) (string, error)
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// TTSClient turns prompt text into a playable audio reference.
type TTSClient struct {
	Client         *openai.Client
	CircuitBreaker *gobreaker.CircuitBreaker[[]byte]
	Store          AudioStore
	Model          string
	Voice          string
	Format         string
	Prefix         string
}

func NewClient(store AudioStore) *TTSClient {
	opts := []option.RequestOption{
		option.WithBaseURL(config.Conf.TTSBaseUrl),
		option.WithRequestTimeout(time.Duration(config.Conf.TTSTimeout) * time.Second),
		option.WithMaxRetries(0),
	}

	if config.Conf.TTSAPIKey != "" {
		opts = append(opts, option.WithAPIKey(config.Conf.TTSAPIKey))
	}

	client := openai.NewClient(opts...)

	return &TTSClient{
		Client:         &client,
		CircuitBreaker: newTTSCircuitBreaker(),
		Store:          store,
		Model:          config.Conf.TTSModel,
		Voice:          config.Conf.TTSVoice,
		Format:         config.Conf.TTSFormat,
		Prefix:         config.Conf.MinioAudioPrefix,
	}
}

func newTTSCircuitBreaker() *gobreaker.CircuitBreaker[[]byte] {
	settings := gobreaker.Settings{
		Name:     "TTSClient",
		Interval: time.Duration(config.Conf.TTSIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.TTSConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)
		},
	}

	return gobreaker.NewCircuitBreaker[[]byte](settings)
}

// Synthesize returns a presigned URL for text rendered as speech. Identical text maps to
// the same object, so prompts shared by every call are uploaded once per voice.
func (ttsClient *TTSClient) Synthesize(ctx context.Context, text string) (string, error) {
	key := minio.Key(ttsClient.Prefix, ttsClient.objectName(text))

	audio, err := ttsClient.CircuitBreaker.Execute(func() ([]byte, error) {
		return ttsClient.doSpeechRequest(ctx, text)
	})
	if err != nil {
		return "", err
	}

	err = ttsClient.Store.Upload(ctx, audio, key, ttsClient.contentType())
	if err != nil {
		return "", err
	}

	audioURL, err := ttsClient.Store.Presign(ctx, key)
	if err != nil {
		return "", err
	}

	logging.Logger.Debug("[Synthesize] Audio ready",
		zap.String("object_key", key),
		zap.Int("text_length", len(text)),
		zap.Int("audio_size", len(audio)),
	)

	return audioURL, nil
}

func (ttsClient *TTSClient) doSpeechRequest(ctx context.Context, text string) ([]byte, error) {
	var audio []byte

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	body, err := json.Marshal(speechRequest{
		Model:          ttsClient.Model,
		Input:          text,
		Voice:          ttsClient.Voice,
		ResponseFormat: ttsClient.Format,
	})
	if err != nil {
		return nil, err
	}

	err = retry.Do(
		func() error {
			resp, err := ttsClient.Client.Audio.Speech.New(
				ctx,
				openai.AudioSpeechNewParams{},
				option.WithRequestBody("application/json", body),
			)
			if err != nil {
				logging.Logger.Warn("[doSpeechRequest] Speech request failed",
					zap.String("error", err.Error()),
					zap.Bool("is_context_error", ctx.Err() != nil),
				)

				return err
			}

			defer func() {
				_ = resp.Body.Close()
			}()

			audio, err = io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if len(audio) == 0 {
				return ErrEmptyAudio
			}

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(config.Conf.TTSRetryMaxAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Duration(config.Conf.TTSRetryMinBackoff)*time.Millisecond),
		retry.MaxDelay(time.Duration(config.Conf.TTSRetryMaxBackoff)*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	return audio, nil
}

func (ttsClient *TTSClient) objectName(text string) string {
	sum := sha256.Sum256([]byte(ttsClient.Model + "|" + ttsClient.Voice + "|" + text))
	return hex.EncodeToString(sum[:]) + "." + ttsClient.Format
}

func (ttsClient *TTSClient) contentType() string {
	if ttsClient.Format == "wav" {
		return "audio/wav"
	}

	return "audio/mpeg"
}
