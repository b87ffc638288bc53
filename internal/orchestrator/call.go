package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/completion"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/journal"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	prometheusAhsoka "git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/scheduler"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/telephony"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	inboxSize       = 256
	audioQueueSize  = 512
	recoveredDetail = "process restarted"
	shutdownDetail  = "orchestrator shutdown"
	noResponse      = "no_response"
	cancelledReason = "cancelled"
	outcomeNotTaken = "not_connected"
)

type timerKind int

const (
	timerCheck timerKind = iota
	timerNoResponse
	timerMaxDuration
)

// Inbox messages. The call task handles them one at a time, so nothing below needs a lock.
type connectedMsg struct{}

type disconnectedMsg struct {
	reason string
	failed bool
}

type cancelMsg struct{}

type speechMsg struct {
	text  string
	final bool
}

type streamClosedMsg struct {
	err error
}

type timerMsg struct {
	kind timerKind
	seq  int
}

type verdictMsg struct {
	seq     int
	verdict completion.Verdict
}

// callTask owns one call from dial to settlement.
type callTask struct {
	o     *Orchestrator
	call  scheduler.QueuedCall
	lease lock.Lease

	sess        *session.Session
	stream      TranscriptStream
	events      *telephony.Subscription
	inbox       chan any
	audio       chan []byte
	done        chan struct{}
	cancel      context.CancelFunc
	started     time.Time
	failure     string

	checkTimer      *time.Timer
	noResponseTimer *time.Timer
	maxTimer        *time.Timer

	// speechSeq changes with every speech event; checks and verdicts carry the value they
	// were started with and are dropped when it moved on.
	speechSeq int
	// promptSeq changes with every prompt spoken; it scopes the no-response timer.
	promptSeq        int
	judging          bool
	heardSincePrompt bool
	lastActivity     time.Time

	remoteEnded     bool
	hangupRequested bool
	cancelled       bool
	cleanupOnce     sync.Once
}

func newCallTask(o *Orchestrator, call scheduler.QueuedCall, lease lock.Lease) *callTask {
	return &callTask{
		o:       o,
		call:    call,
		lease:   lease,
		inbox:   make(chan any, inboxSize),
		audio:   make(chan []byte, audioQueueSize),
		done:    make(chan struct{}),
		cancel:  func() {},
		started: o.now(),
	}
}

func (t *callTask) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel

	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Error("[run] Panic in call task",
				zap.String("conversation_id", t.call.ConversationID),
				zap.Any("recover", r),
			)

			t.terminate("call task panic")
			t.cleanup(parent)
		}
	}()

	prompts, err := t.o.deps.Prompts.Prompts(ctx, t.call.OwnerID)
	if err != nil {
		t.abort(parent, "prompt script unavailable: "+err.Error())
		return
	}

	handle, err := t.o.deps.Telephony.Place(ctx, t.call.Destination)
	if err != nil {
		t.abort(parent, "place call: "+err.Error())
		return
	}

	sess, err := session.New(session.Params{
		ConversationID: t.call.ConversationID,
		OwnerID:        t.call.OwnerID,
		CallHandle:     handle,
		Prompts:        prompts,
	}, session.WithClock(t.o.now))
	if err != nil {
		_ = t.o.deps.Telephony.End(ctx, handle)
		t.abort(parent, "create session: "+err.Error())

		return
	}

	t.sess = sess
	t.persist(ctx)

	logging.Logger.Info("[run] Call placed",
		zap.String("conversation_id", t.call.ConversationID),
		zap.String("call_handle", handle),
		zap.Int("attempt", t.call.AttemptCount),
	)

	t.events = t.o.deps.Events.Subscribe(handle)

	go t.pumpEvents(t.events)

	if t.o.config.MaxCallDuration > 0 {
		t.maxTimer = time.AfterFunc(t.o.config.MaxCallDuration, func() {
			t.post(timerMsg{kind: timerMaxDuration})
		})
	}

	t.loop(ctx, parent)
}

func (t *callTask) loop(ctx, parent context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.terminate(shutdownDetail)
			t.cleanup(parent)

			return
		case msg := <-t.inbox:
			t.handle(ctx, msg)

			if t.sess.Status().Terminal() {
				t.cleanup(parent)
				return
			}
		}
	}
}

func (t *callTask) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case connectedMsg:
		t.onConnected(ctx)
	case disconnectedMsg:
		t.onDisconnected(m)
	case cancelMsg:
		t.cancelled = true

		logging.Logger.Info("[handle] Conversation cancelled during call",
			zap.String("conversation_id", t.call.ConversationID),
			zap.String("call_handle", t.sess.CallHandle()),
		)

		_ = t.sess.Abandon(cancelledReason)
	case speechMsg:
		t.onSpeech(ctx, m)
	case streamClosedMsg:
		detail := "transcription stream closed"
		if m.err != nil {
			detail += ": " + m.err.Error()
		}

		t.terminate(detail)
	case timerMsg:
		t.onTimer(ctx, m)
	case verdictMsg:
		t.onVerdict(ctx, m)
	}
}

func (t *callTask) onConnected(ctx context.Context) {
	if t.sess.Status() != session.StatusInitiated {
		return
	}

	if t.transition("connect", t.sess.Connect()) {
		return
	}

	stream, err := t.o.deps.Transcriber.Open(ctx, t.sess.CallHandle())
	if err != nil {
		t.terminate("transcription unavailable: "+err.Error())
		return
	}

	t.stream = stream

	go t.pumpTranscripts(stream)
	go t.pumpAudio(stream)

	if t.transition("beginPrompting", t.sess.BeginPrompting()) {
		return
	}

	t.speakPrompt(ctx, t.o.config.Greeting)
}

func (t *callTask) onDisconnected(m disconnectedMsg) {
	t.remoteEnded = true

	if m.failed {
		t.terminate("call failed: "+m.reason)
		return
	}

	_ = t.sess.Abandon(m.reason)
}

func (t *callTask) onSpeech(ctx context.Context, m speechMsg) {
	if t.sess.Status() != session.StatusInProgress {
		return
	}

	text := strings.TrimSpace(m.text)
	if text == "" {
		return
	}

	t.heardSincePrompt = true
	t.lastActivity = t.o.now()

	if m.final {
		if t.sess.Transcript() != "" {
			text = " " + text
		}

		if t.transition("appendSpeech", t.sess.AppendSpeech(text)) {
			return
		}

		t.persist(ctx)
	}

	t.speechSeq++
	t.armCheck(t.o.config.PauseThreshold)
}

func (t *callTask) onTimer(ctx context.Context, m timerMsg) {
	switch m.kind {
	case timerMaxDuration:
		t.terminate("maximum call duration reached")
	case timerNoResponse:
		if m.seq == t.promptSeq && !t.heardSincePrompt {
			_ = t.sess.Abandon(noResponse)
		}
	case timerCheck:
		t.startCheck(ctx, m.seq)
	}
}

func (t *callTask) startCheck(ctx context.Context, seq int) {
	if seq != t.speechSeq || t.judging || t.sess.Status() != session.StatusInProgress {
		return
	}

	answer := t.sess.TurnText()
	if strings.TrimSpace(answer) == "" {
		t.armCheck(t.o.config.RecheckInterval)
		return
	}

	t.judging = true
	prompt := t.sess.CurrentPrompt().Text
	silence := t.o.now().Sub(t.lastActivity)

	go func() {
		verdict := t.o.deps.Detector.Evaluate(ctx, prompt, answer, silence)
		t.post(verdictMsg{seq: seq, verdict: verdict})
	}()
}

func (t *callTask) onVerdict(ctx context.Context, m verdictMsg) {
	t.judging = false

	prometheusAhsoka.CompletionVerdicts.WithLabelValues(
		string(m.verdict.Source),
		strconv.FormatBool(m.verdict.IsComplete),
	).Inc()

	if t.sess.Status() != session.StatusInProgress {
		return
	}

	if m.seq != t.speechSeq || !m.verdict.IsComplete {
		t.armCheck(t.o.config.RecheckInterval)
		return
	}

	logging.Logger.Info("[onVerdict] Answer complete",
		zap.String("call_handle", t.sess.CallHandle()),
		zap.Int("prompt_index", t.sess.PromptIndex()),
		zap.String("source", string(m.verdict.Source)),
		zap.Float64("confidence", m.verdict.Confidence),
	)

	t.stopTimer(t.checkTimer)

	if t.sess.IsLastPrompt() {
		if t.transition("complete", t.sess.Complete()) {
			return
		}

		t.persist(ctx)

		err := t.speak(ctx, t.o.config.Closing, true)
		if err == nil {
			t.hangupRequested = true
		}

		return
	}

	if t.transition("advance", t.sess.Advance()) {
		return
	}

	t.persist(ctx)
	t.speakPrompt(ctx, "")
}

// speakPrompt says the current prompt, optionally led by another line, and starts waiting
// for an answer.
func (t *callTask) speakPrompt(ctx context.Context, lead string) {
	text := t.sess.CurrentPrompt().Text
	if lead != "" {
		text = lead + " " + text
	}

	err := t.speak(ctx, text, false)
	if err != nil {
		t.terminate("speak prompt: "+err.Error())
		return
	}

	t.promptSeq++
	t.heardSincePrompt = false
	t.lastActivity = t.o.now()

	if t.o.config.NoResponseTimeout > 0 {
		seq := t.promptSeq

		t.stopTimer(t.noResponseTimer)
		t.noResponseTimer = time.AfterFunc(t.o.config.NoResponseTimeout, func() {
			t.post(timerMsg{kind: timerNoResponse, seq: seq})
		})
	}
}

// speak prefers synthesized audio and falls back to the provider's own voice.
func (t *callTask) speak(ctx context.Context, text string, hangUp bool) error {
	utterance := telephony.Utterance{Text: text, HangUp: hangUp}

	if t.o.deps.Synthesizer != nil {
		audioURL, err := t.o.deps.Synthesizer.Synthesize(ctx, text)
		if err != nil {
			logging.Logger.Warn("[speak] Synthesis failed, using provider voice",
				zap.String("call_handle", t.sess.CallHandle()),
				zap.String("error", err.Error()),
			)
		} else {
			utterance.AudioURL = audioURL
		}
	}

	err := t.o.deps.Telephony.Speak(ctx, t.sess.CallHandle(), utterance)
	if err != nil {
		logging.Logger.Error("[speak] Failed to speak",
			zap.String("call_handle", t.sess.CallHandle()),
			zap.Bool("hang_up", hangUp),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)
	}

	return err
}

func (t *callTask) armCheck(delay time.Duration) {
	seq := t.speechSeq

	t.stopTimer(t.checkTimer)
	t.checkTimer = time.AfterFunc(delay, func() {
		t.post(timerMsg{kind: timerCheck, seq: seq})
	})
}

func (t *callTask) stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// transition fails the session when a state machine call is refused and reports whether it
// did. A refusal here means the task and the session disagree, which retrying cannot fix.
func (t *callTask) transition(op string, err error) bool {
	if err == nil {
		return false
	}

	logging.Logger.Error("[transition] Session refused transition",
		zap.String("call_handle", t.sess.CallHandle()),
		zap.String("op", op),
		zap.String("status", string(t.sess.Status())),
		zap.String("error", err.Error()),
	)

	t.terminate(op+": "+err.Error())

	return true
}

// terminate fails the session unless it already ended. Without a session the detail is kept
// for settlement.
func (t *callTask) terminate(detail string) {
	if t.sess == nil {
		if t.failure == "" {
			t.failure = detail
		}

		return
	}

	if !t.sess.Status().Terminal() {
		_ = t.sess.Fail(detail)
	}
}

func (t *callTask) post(msg any) {
	select {
	case <-t.done:
	case t.inbox <- msg:
	}
}

// pumpEvents feeds call control to the inbox and audio to the transcription queue. Audio
// never goes through the inbox, so a slow transcription connection cannot hold back a
// hangup.
func (t *callTask) pumpEvents(events *telephony.Subscription) {
	for {
		select {
		case <-t.done:
			return
		case <-events.Done():
			return
		case event := <-events.Control:
			switch event.Kind {
			case telephony.EventConnected:
				t.post(connectedMsg{})
			case telephony.EventDisconnected:
				t.post(disconnectedMsg{reason: event.Reason, failed: event.Failed})
			}
		case event := <-events.Audio:
			select {
			case t.audio <- event.Audio:
			default:
			}
		}
	}
}

// pumpAudio writes queued audio to the transcription stream until the task ends. Frames
// queued before the stream opened are sent first.
func (t *callTask) pumpAudio(stream TranscriptStream) {
	for {
		select {
		case <-t.done:
			return
		case chunk := <-t.audio:
			err := stream.SendAudio(chunk)
			if err != nil {
				logging.Logger.Debug("[pumpAudio] Failed to send audio",
					zap.String("conversation_id", t.call.ConversationID),
					zap.String("error", err.Error()),
				)
			}
		}
	}
}

func (t *callTask) pumpTranscripts(stream TranscriptStream) {
	for result := range stream.Results() {
		t.post(speechMsg{text: result.Text, final: result.IsFinal})
	}

	t.post(streamClosedMsg{err: stream.Err()})
}

func (t *callTask) persist(ctx context.Context) {
	if t.sess == nil {
		return
	}

	err := t.o.deps.Sessions.Save(ctx, t.sess.Snapshot())
	if err != nil {
		logging.Logger.Error("[persist] Failed to save session",
			zap.String("call_handle", t.sess.CallHandle()),
			zap.String("status", string(t.sess.Status())),
			zap.String("error", err.Error()),
		)
	}
}

// abort ends a task that never got a live session.
func (t *callTask) abort(parent context.Context, detail string) {
	logging.Logger.Warn("[abort] Call attempt failed before connecting",
		zap.String("conversation_id", t.call.ConversationID),
		zap.String("error", detail),
	)

	t.terminate(detail)
	t.cleanup(parent)
}

// cleanup releases everything the task holds and settles the attempt. It runs exactly once.
func (t *callTask) cleanup(parent context.Context) {
	t.cleanupOnce.Do(func() {
		close(t.done)
		t.cancel()

		t.stopTimer(t.checkTimer)
		t.stopTimer(t.noResponseTimer)
		t.stopTimer(t.maxTimer)

		if t.stream != nil {
			_ = t.stream.Close()
		}

		if t.events != nil {
			t.events.Close()
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.o.config.CleanupTimeout)
		defer cancel()

		if t.sess != nil && !t.remoteEnded && !t.hangupRequested {
			err := t.o.deps.Telephony.End(ctx, t.sess.CallHandle())
			if err != nil {
				logging.Logger.Warn("[cleanup] Failed to end call",
					zap.String("call_handle", t.sess.CallHandle()),
					zap.String("error", err.Error()),
				)
			}
		}

		t.persist(ctx)
		t.settle(ctx)

		t.o.unregister(t)

		err := t.lease.Release(ctx)
		if err != nil {
			logging.Logger.Warn("[cleanup] Failed to release owner lock",
				zap.String("conversation_id", t.call.ConversationID),
				zap.String("error", err.Error()),
			)
		}

		outcome := t.outcome()
		prometheusAhsoka.CallOutcomes.WithLabelValues(outcome).Inc()
		prometheusAhsoka.CallDuration.WithLabelValues(outcome).Observe(t.o.now().Sub(t.started).Seconds())
	})
}

func (t *callTask) outcome() string {
	if t.sess == nil {
		return outcomeNotTaken
	}

	return string(t.sess.Status())
}

// settle hands a completed call to the journal and the queue, and routes anything else to
// retry-or-fail. Only completed calls ever produce a journal record.
func (t *callTask) settle(ctx context.Context) {
	if t.withdrawn(ctx) {
		logging.Logger.Info("[settle] Conversation was cancelled, leaving queue untouched",
			zap.String("conversation_id", t.call.ConversationID),
			zap.String("outcome", t.outcome()),
		)

		return
	}

	if t.sess == nil {
		t.o.retryOrFail(ctx, t.call, t.failure)
		return
	}

	if t.sess.Status() != session.StatusCompleted {
		detail := string(t.sess.Status())
		if t.sess.ErrorDetail() != "" {
			detail += ": " + t.sess.ErrorDetail()
		}

		logging.Logger.Info("[settle] Call ended without completing",
			zap.String("conversation_id", t.call.ConversationID),
			zap.String("call_handle", t.sess.CallHandle()),
			zap.String("status", string(t.sess.Status())),
			zap.String("error", t.sess.ErrorDetail()),
		)

		t.o.retryOrFail(ctx, t.call, detail)

		return
	}

	rec := journal.FromSession(t.sess.Snapshot())

	err := t.o.deps.Journal.Write(ctx, rec)
	if err != nil {
		t.parkRecord(ctx, rec, err)
	}

	err = t.o.settleWrite(ctx, func() error {
		_, err := t.o.deps.Scheduler.Complete(ctx, t.call.ConversationID)
		return err
	})
	if err != nil {
		logging.Logger.Error("[settle] Failed to complete queued call",
			zap.String("conversation_id", t.call.ConversationID),
			zap.String("error", err.Error()),
		)
	}
}

// withdrawn reports whether the attempt this task runs was cancelled, either through the
// task or by anyone else writing to the queue.
func (t *callTask) withdrawn(ctx context.Context) bool {
	if t.cancelled {
		return true
	}

	latest, err := t.o.deps.Scheduler.Get(ctx, t.call.ConversationID)
	if err != nil {
		return false
	}

	return latest.ID != t.call.ID || latest.Status == scheduler.StatusCancelled
}

func (t *callTask) parkRecord(ctx context.Context, rec journal.Record, writeErr error) {
	if t.o.deps.DeadLetters == nil {
		logging.Logger.Error("[settle] Journal write failed and no dead letter store is set",
			zap.String("session_id", rec.SessionID),
			zap.String("error", writeErr.Error()),
		)

		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		logging.Logger.Error("[settle] Failed to marshal journal record", zap.String("error", err.Error()))
		return
	}

	err = t.o.deps.DeadLetters.MarkRecord(ctx, rec.SessionID, payload, writeErr.Error())
	if err != nil {
		logging.Logger.Error("[settle] Failed to park journal record",
			zap.String("session_id", rec.SessionID),
			zap.String("error", err.Error()),
		)
	}
}
