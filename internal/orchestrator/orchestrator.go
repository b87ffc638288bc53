package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/completion"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/journal"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	prometheusAhsoka "git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/scheduler"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/telephony"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/transcription"
	"github.com/avast/retry-go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type Telephony interface {
	Place(ctx context.Context, destination string) (string, error)
	Speak(ctx context.Context, callHandle string, utterance telephony.Utterance) error
	End(ctx context.Context, callHandle string) error
}

type EventSource interface {
	Subscribe(callHandle string) *telephony.Subscription
}

type TranscriptStream interface {
	SendAudio(chunk []byte) error
	Results() <-chan transcription.Result
	Err() error
	Close() error
}

type Transcriber interface {
	Open(ctx context.Context, callHandle string) (TranscriptStream, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, callHandle string) (TranscriptStream, error)

func (f TranscriberFunc) Open(ctx context.Context, callHandle string) (TranscriptStream, error) {
	return f(ctx, callHandle)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

type Detector interface {
	Evaluate(ctx context.Context, prompt, answer string, silence time.Duration) completion.Verdict
}

type PromptSource interface {
	Prompts(ctx context.Context, ownerID string) ([]session.Prompt, error)
}

type JournalSink interface {
	Write(ctx context.Context, rec journal.Record) error
}

type DeadLetters interface {
	MarkRecord(ctx context.Context, sessionID string, payload []byte, errMsg string) error
}

type Notifier interface {
	NotifyExhausted(ctx context.Context, exhaustion journal.Exhaustion) error
}

type Config struct {
	TickInterval      time.Duration
	BatchSize         int
	Retry             RetryPolicy
	MaxCallDuration   time.Duration
	NoResponseTimeout time.Duration
	// PauseThreshold is the silence after the last speech before a completion check runs.
	PauseThreshold  time.Duration
	RecheckInterval time.Duration
	Greeting        string
	Closing         string
	CleanupTimeout  time.Duration
	// SettleAttempts bounds the tries of a queue write that settles an attempt.
	SettleAttempts uint
	SettleBackoff  time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		TickInterval: time.Duration(config.Conf.OrchestratorTickInterval) * time.Second,
		BatchSize:    config.Conf.OrchestratorBatchSize,
		Retry: RetryPolicy{
			Kind: RetryKind(config.Conf.OrchestratorRetryPolicy),
			Base: time.Duration(config.Conf.OrchestratorRetryBaseDelay) * time.Second,
			Max:  time.Duration(config.Conf.OrchestratorRetryMaxDelay) * time.Second,
		},
		MaxCallDuration:   time.Duration(config.Conf.OrchestratorMaxCallDuration) * time.Second,
		NoResponseTimeout: time.Duration(config.Conf.OrchestratorNoResponseTimeout) * time.Second,
		PauseThreshold:    time.Duration(config.Conf.CompletionMinSilence) * time.Millisecond,
		RecheckInterval:   time.Duration(config.Conf.OrchestratorRecheckInterval) * time.Millisecond,
		Greeting:          config.Conf.OrchestratorGreeting,
		Closing:           config.Conf.OrchestratorClosing,
		CleanupTimeout:    10 * time.Second,
		SettleAttempts:    config.Conf.OrchestratorSettleAttempts,
		SettleBackoff:     time.Duration(config.Conf.OrchestratorSettleBackoff) * time.Millisecond,
	}
}

// Deps are the collaborators of the orchestrator. Synthesizer, DeadLetters and Notifier
// are optional.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Sessions    session.Store
	Telephony   Telephony
	Events      EventSource
	Transcriber Transcriber
	Synthesizer Synthesizer
	Detector    Detector
	Prompts     PromptSource
	Journal     JournalSink
	DeadLetters DeadLetters
	Notifier    Notifier
	Locker      lock.Locker
	Pool        *ants.Pool
}

// Orchestrator turns due queued calls into live call tasks, one per call, and writes their
// outcomes back to the scheduler.
type Orchestrator struct {
	deps   Deps
	config Config
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*callTask
	tasks  sync.WaitGroup
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.SettleAttempts == 0 {
		cfg.SettleAttempts = 1
	}

	return &Orchestrator{
		deps:   deps,
		config: cfg,
		now:    time.Now,
		active: make(map[string]*callTask),
	}
}

// Run settles attempts left over by a previous process, then ticks until ctx is cancelled.
// It returns once every call task has finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Recover(ctx)
	o.Tick(ctx)

	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Logger.Info("[Run] Orchestrator stopping, waiting for call tasks", zap.Int("active", o.ActiveCount()))
			o.tasks.Wait()

			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick starts a call task for each due call, bounded by the batch size and free pool
// workers. It returns the number of tasks started.
func (o *Orchestrator) Tick(ctx context.Context) int {
	capacity := o.config.BatchSize

	if free := o.deps.Pool.Free(); free >= 0 && free < capacity {
		capacity = free
	}

	if capacity <= 0 {
		logging.Logger.Debug("[Tick] No free call workers")
		return 0
	}

	due, err := o.deps.Scheduler.DueWork(ctx, o.now(), capacity)
	if err != nil {
		logging.Logger.Error("[Tick] Failed to fetch due work",
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return 0
	}

	prometheusAhsoka.DueBatchSize.Observe(float64(len(due)))

	started := 0

	for _, call := range due {
		if o.launch(ctx, call) {
			started++
		}
	}

	if started > 0 {
		logging.Logger.Info("[Tick] Call tasks started", zap.Int("due", len(due)), zap.Int("started", started))
	}

	return started
}

func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.active)
}

func (o *Orchestrator) launch(ctx context.Context, call scheduler.QueuedCall) bool {
	if o.isActive(call.ConversationID) {
		return false
	}

	lease, err := o.deps.Locker.TryLock(ctx, ownerKey(call))
	if err != nil {
		if !errors.Is(err, lock.ErrLocked) {
			logging.Logger.Warn("[launch] Failed to lock owner",
				zap.String("conversation_id", call.ConversationID),
				zap.String("owner_id", call.OwnerID),
				zap.String("error", err.Error()),
			)
		}

		return false
	}

	busy, err := o.ownerBusy(ctx, call)
	if err != nil || busy {
		_ = lease.Release(ctx)
		return false
	}

	attempt, err := o.deps.Scheduler.BeginAttempt(ctx, call.ConversationID)
	if err != nil {
		_ = lease.Release(ctx)
		return false
	}

	task := newCallTask(o, *attempt, lease)

	o.register(task)
	o.tasks.Add(1)

	err = o.deps.Pool.Submit(func() {
		defer o.tasks.Done()

		task.run(ctx)
	})
	if err != nil {
		o.tasks.Done()

		logging.Logger.Error("[launch] Failed to submit call task",
			zap.String("conversation_id", call.ConversationID),
			zap.String("error", err.Error()),
		)

		task.abort(ctx, "worker pool rejected call: "+err.Error())

		return false
	}

	return true
}

// ownerBusy reports whether another conversation of the same owner is in an attempt. The
// owner lock covers this process; the queue covers attempts started elsewhere.
func (o *Orchestrator) ownerBusy(ctx context.Context, call scheduler.QueuedCall) (bool, error) {
	if call.OwnerID == "" {
		return false, nil
	}

	active, err := o.deps.Scheduler.ActiveFor(ctx, call.OwnerID)
	if err != nil {
		return false, err
	}

	for _, other := range active {
		if other.ConversationID != call.ConversationID && other.Status == scheduler.StatusAttempting {
			logging.Logger.Info("[launch] Owner already on a call, deferring",
				zap.String("conversation_id", call.ConversationID),
				zap.String("owner_id", call.OwnerID),
				zap.String("active_conversation_id", other.ConversationID),
			)

			return true, nil
		}
	}

	return false, nil
}

// Recover settles what a previous process left behind: live sessions become failed and
// every attempt still open goes through retry-or-fail. It assumes no other orchestrator is
// working the same queue.
func (o *Orchestrator) Recover(ctx context.Context) {
	records, err := o.deps.Sessions.ListActive(ctx)
	if err != nil {
		logging.Logger.Error("[Recover] Failed to list active sessions", zap.String("error", err.Error()))
	}

	for _, rec := range records {
		sess := session.Restore(rec)

		_ = sess.Fail(recoveredDetail)

		err = o.deps.Sessions.Save(ctx, sess.Snapshot())
		if err != nil {
			logging.Logger.Error("[Recover] Failed to save recovered session",
				zap.String("call_handle", rec.CallHandle),
				zap.String("error", err.Error()),
			)
		}

		err = o.deps.Telephony.End(ctx, rec.CallHandle)
		if err != nil {
			logging.Logger.Warn("[Recover] Failed to end orphaned call",
				zap.String("call_handle", rec.CallHandle),
				zap.String("error", err.Error()),
			)
		}
	}

	attempting, err := o.deps.Scheduler.Attempting(ctx)
	if err != nil {
		logging.Logger.Error("[Recover] Failed to list attempting calls", zap.String("error", err.Error()))
		return
	}

	for _, call := range attempting {
		if o.isActive(call.ConversationID) {
			continue
		}

		o.retryOrFail(ctx, call, recoveredDetail)
	}

	if len(records) > 0 || len(attempting) > 0 {
		logging.Logger.Info("[Recover] Settled interrupted calls",
			zap.Int("sessions", len(records)),
			zap.Int("attempts", len(attempting)),
		)
	}
}

// retryOrFail is the only place a failed attempt is turned into a scheduler decision.
func (o *Orchestrator) retryOrFail(ctx context.Context, call scheduler.QueuedCall, detail string) {
	delay := o.config.Retry.Delay(call.AttemptCount)

	err := o.settleWrite(ctx, func() error {
		_, err := o.deps.Scheduler.Retry(ctx, call.ConversationID, delay)
		return err
	})
	if err == nil {
		return
	}

	if !errors.Is(err, scheduler.ErrAttemptsExhausted) {
		logging.Logger.Error("[retryOrFail] Failed to schedule retry",
			zap.String("conversation_id", call.ConversationID),
			zap.String("error", err.Error()),
		)

		return
	}

	var failed *scheduler.QueuedCall

	err = o.settleWrite(ctx, func() error {
		var err error

		failed, err = o.deps.Scheduler.Fail(ctx, call.ConversationID, detail)

		return err
	})
	if err != nil {
		logging.Logger.Error("[retryOrFail] Failed to fail exhausted call",
			zap.String("conversation_id", call.ConversationID),
			zap.String("error", err.Error()),
		)

		return
	}

	if o.deps.Notifier == nil {
		return
	}

	err = o.deps.Notifier.NotifyExhausted(ctx, journal.Exhaustion{
		ConversationID: failed.ConversationID,
		OwnerID:        failed.OwnerID,
		Attempts:       failed.AttemptCount,
		Error:          detail,
		FailedAt:       o.now(),
	})
	if err != nil {
		logging.Logger.Warn("[retryOrFail] Failed to notify exhaustion",
			zap.String("conversation_id", call.ConversationID),
			zap.String("error", err.Error()),
		)
	}
}

// settleWrite runs a queue write that settles an attempt, retrying failures that are not
// about the record's state. A lost settlement would leave the attempt open until restart.
func (o *Orchestrator) settleWrite(ctx context.Context, write func() error) error {
	return retry.Do(
		write,
		retry.Context(ctx),
		retry.Attempts(o.config.SettleAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(o.config.SettleBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, scheduler.ErrInvalidTransition) &&
				!errors.Is(err, scheduler.ErrAttemptsExhausted) &&
				!errors.Is(err, scheduler.ErrNotFound)
		}),
		retry.OnRetry(func(n uint, err error) {
			logging.Logger.Warn("[settleWrite] Queue write failed, retrying",
				zap.Uint("attempt", n+1),
				zap.String("error", err.Error()),
			)
		}),
	)
}

// Cancel withdraws a conversation from the queue. A call already live for it hangs up and
// ends without a journal record.
func (o *Orchestrator) Cancel(ctx context.Context, conversationID string) (*scheduler.QueuedCall, error) {
	call, err := o.deps.Scheduler.Cancel(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	task, ok := o.active[conversationID]
	o.mu.Unlock()

	if ok {
		task.post(cancelMsg{})
	}

	return call, nil
}

func (o *Orchestrator) isActive(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.active[conversationID]

	return ok
}

func (o *Orchestrator) register(task *callTask) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.active[task.call.ConversationID] = task
	prometheusAhsoka.ActiveCalls.Inc()
}

func (o *Orchestrator) unregister(task *callTask) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[task.call.ConversationID] == task {
		delete(o.active, task.call.ConversationID)
		prometheusAhsoka.ActiveCalls.Dec()
	}
}

func ownerKey(call scheduler.QueuedCall) string {
	if call.OwnerID == "" {
		return "conversation:" + call.ConversationID
	}

	return "owner:" + call.OwnerID
}
