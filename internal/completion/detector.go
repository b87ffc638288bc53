package completion

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

var ErrMalformedJudgment = errors.New("malformed judgment")

// Source names the layer that produced a verdict.
type Source string

const (
	SourceSpeaking  Source = "speaking"
	SourceJudge     Source = "judge"
	SourceCeiling   Source = "ceiling"
	SourceHeuristic Source = "heuristic"
)

type Judgment struct {
	IsComplete bool
	Confidence float64
}

// Judge decides semantically whether an answer is finished.
type Judge interface {
	Judge(ctx context.Context, prompt, answer string, silence time.Duration) (Judgment, error)
}

type Verdict struct {
	IsComplete bool
	Confidence float64
	Source     Source
}

type Config struct {
	MinSilence          time.Duration
	HardCeiling         time.Duration
	MinContentLength    int
	ConfidenceThreshold float64
	LongPause           time.Duration
	LongPauseConfidence float64
	PauseConfidence     float64
	UndecidedConfidence float64
	JudgeTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSilence:          3 * time.Second,
		HardCeiling:         12 * time.Second,
		MinContentLength:    20,
		ConfidenceThreshold: 0.75,
		LongPause:           5 * time.Second,
		LongPauseConfidence: 0.7,
		PauseConfidence:     0.6,
		UndecidedConfidence: 0.5,
		JudgeTimeout:        4 * time.Second,
	}
}

type Detector struct {
	judge  Judge
	config Config
	// observe receives each judge round trip; nil disables it.
	observe func(time.Duration, error)
}

type Option func(*Detector)

// WithJudgeObserver reports the latency and outcome of every judge call.
func WithJudgeObserver(observe func(time.Duration, error)) Option {
	return func(d *Detector) {
		d.observe = observe
	}
}

func NewDetector(judge Judge, config Config, opts ...Option) *Detector {
	d := &Detector{judge: judge, config: config}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Evaluate decides whether answer is a finished reply to prompt after silence. It never
// returns an error: an unavailable judge degrades to local heuristics.
func (d *Detector) Evaluate(ctx context.Context, prompt, answer string, silence time.Duration) Verdict {
	if silence < d.config.MinSilence {
		return Verdict{IsComplete: false, Confidence: 0, Source: SourceSpeaking}
	}

	content := strings.TrimSpace(answer)

	if silence > d.config.HardCeiling && len(content) > d.config.MinContentLength {
		return Verdict{IsComplete: true, Confidence: 1, Source: SourceCeiling}
	}

	judgment, err := d.askJudge(ctx, prompt, content, silence)
	if err != nil {
		logging.Logger.Warn("[Evaluate] Judge unavailable, using heuristics",
			zap.Duration("silence", silence),
			zap.Int("content_length", len(content)),
			zap.String("error", err.Error()),
		)

		return d.heuristic(content, silence)
	}

	if judgment.IsComplete && judgment.Confidence >= d.config.ConfidenceThreshold {
		return Verdict{IsComplete: true, Confidence: judgment.Confidence, Source: SourceJudge}
	}

	return Verdict{IsComplete: false, Confidence: judgment.Confidence, Source: SourceJudge}
}

func (d *Detector) askJudge(ctx context.Context, prompt, answer string, silence time.Duration) (Judgment, error) {
	if d.judge == nil {
		return Judgment{}, ErrMalformedJudgment
	}

	if d.config.JudgeTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, d.config.JudgeTimeout)
		defer cancel()
	}

	start := time.Now()
	judgment, err := d.judge.Judge(ctx, prompt, answer, silence)

	if err == nil && !validConfidence(judgment.Confidence) {
		err = ErrMalformedJudgment
	}

	if d.observe != nil {
		d.observe(time.Since(start), err)
	}

	return judgment, err
}

func (d *Detector) heuristic(content string, silence time.Duration) Verdict {
	if silence > d.config.LongPause && len(content) > d.config.MinContentLength {
		return Verdict{IsComplete: true, Confidence: d.config.LongPauseConfidence, Source: SourceHeuristic}
	}

	if silence > d.config.MinSilence && endsSentence(content) {
		return Verdict{IsComplete: true, Confidence: d.config.PauseConfidence, Source: SourceHeuristic}
	}

	return Verdict{IsComplete: false, Confidence: d.config.UndecidedConfidence, Source: SourceHeuristic}
}

func validConfidence(confidence float64) bool {
	return !math.IsNaN(confidence) && confidence >= 0 && confidence <= 1
}

func endsSentence(content string) bool {
	return strings.HasSuffix(content, ".") ||
		strings.HasSuffix(content, "!") ||
		strings.HasSuffix(content, "?")
}
