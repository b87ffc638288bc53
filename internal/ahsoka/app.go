package ahsoka

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/completion"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/healthchecker"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/journal"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/judge"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/kafka"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/minio"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/orchestrator"
	prometheusAhsoka "git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prompt"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/scheduler"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/synthesis"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/telephony"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/transcription"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Ahsoka struct {
	DBConn               *gorm.DB
	MinioClient          *minio.MinioClient
	KafkaConsumer        *kafka.Consumer
	KafkaProducer        *kafka.Producer
	CallPool             *ants.Pool
	Locker               lock.Locker
	Scheduler            *scheduler.Scheduler
	Scripts              ScriptWriter
	Orchestrator         *orchestrator.Orchestrator
	WebhookServer        *telephony.WebhookServer
	DeadLetterService    *deadletter.DeadLetterService
	DeadLetterWorker     *deadletter.DeadLetterWorker
	HealthCheckerService *healthchecker.Healthchecker
}

func NewApp(ctxCancelFun context.CancelFunc) (*Ahsoka, error) {
	logging.Logger.Info("[NewApp] Initializing Ahsoka application...")

	healthcheckerService := healthchecker.NewService(ctxCancelFun)

	logging.Logger.Info("[NewApp] Health checker service created")

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	minioClient, err := minio.NewMinioClient()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize Minio client", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Minio client created")

	kafkaConsumer, kafkaProducer, err := initializeKafka()
	if err != nil {
		return nil, err
	}

	locker, err := initializeLocker()
	if err != nil {
		return nil, err
	}

	promptRepository, err := prompt.NewScriptRepository(dbConn)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to load default prompt script", zap.Error(err))
		return nil, err
	}

	sink := journal.NewSink(kafkaProducer, minioClient)

	deadletterService, deadletterWorker, err := initializeDeadLetters(dbConn, sink)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("[NewApp] Creating call pool",
		zap.Int("pool_size", config.Conf.OrchestratorPoolSize),
	)

	callPool, err := ants.NewPool(config.Conf.OrchestratorPoolSize, ants.WithNonblocking(true))
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create call pool", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Call pool created successfully")

	callScheduler := scheduler.NewScheduler(scheduler.NewGormStore(dbConn))
	hub := telephony.NewEventHub()

	transcriptionClient := transcription.NewClient()
	callTelephony := telephony.NewTwilioClient()

	callOrchestrator := orchestrator.New(orchestrator.Deps{
		Scheduler: callScheduler,
		Sessions:  session.NewGormStore(dbConn),
		Telephony: callTelephony,
		Events:    hub,
		Transcriber: orchestrator.TranscriberFunc(
			func(ctx context.Context, callHandle string) (orchestrator.TranscriptStream, error) {
				stream, err := transcriptionClient.Open(ctx, callHandle)
				if err != nil {
					return nil, err
				}

				return stream, nil
			},
		),
		Synthesizer: synthesis.NewClient(minioClient),
		Detector:    newDetector(),
		Prompts:     promptRepository,
		Journal:     sink,
		DeadLetters: deadletterService,
		Notifier:    journal.NewNotifier(kafkaProducer),
		Locker:      locker,
		Pool:        callPool,
	}, orchestrator.ConfigFromEnv())

	logging.Logger.Info("[NewApp] Orchestrator created")

	webhookServer := telephony.NewWebhookServer(hub)
	webhookServer.Readiness = newReadiness(dbConn, minioClient, callTelephony, locker)

	logging.Logger.Info("[NewApp] Initializing circuit breakers...")
	circuitbreak.Init()
	logging.Logger.Info("[NewApp] Circuit breakers initialized")

	return &Ahsoka{
		DBConn:               dbConn,
		MinioClient:          minioClient,
		KafkaConsumer:        kafkaConsumer,
		KafkaProducer:        kafkaProducer,
		CallPool:             callPool,
		Locker:               locker,
		Scheduler:            callScheduler,
		Scripts:              promptRepository,
		Orchestrator:         callOrchestrator,
		WebhookServer:        webhookServer,
		DeadLetterService:    deadletterService,
		DeadLetterWorker:     deadletterWorker,
		HealthCheckerService: healthcheckerService,
	}, nil
}

func initializeKafka() (*kafka.Consumer, *kafka.Producer, error) {
	logging.Logger.Info("[NewApp] Creating due Kafka consumer...")

	kafkaConsumer, err := kafka.NewDueConsumer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create due Kafka consumer", zap.Error(err))
		return nil, nil, err
	}

	logging.Logger.Info("[NewApp] Creating Kafka producer...")

	kafkaProducer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.Error(err))

		_ = kafkaConsumer.Close()

		return nil, nil, err
	}

	logging.Logger.Info("[NewApp] Kafka producer created")

	return kafkaConsumer, kafkaProducer, nil
}

func initializeLocker() (lock.Locker, error) {
	ttl := time.Duration(config.Conf.LockTTL) * time.Second

	logging.Logger.Info("[NewApp] Creating owner locker", zap.String("driver", config.Conf.LockDriver))

	if config.Conf.LockDriver != "redis" {
		return lock.NewMemoryLocker(ttl), nil
	}

	redisLocker, err := lock.NewRedisLocker(context.Background(), config.Conf.RedisURL, ttl)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to connect to Redis", zap.Error(err))
		return nil, err
	}

	return redisLocker, nil
}

func initializeDeadLetters(
	dbConn *gorm.DB,
	sink *journal.Sink,
) (*deadletter.DeadLetterService, *deadletter.DeadLetterWorker, error) {
	logging.Logger.Info("[NewApp] Creating dead letter service...")

	deadletterService := deadletter.NewService(deadletter.NewRepository(dbConn), sink)

	logging.Logger.Info("[NewApp] Creating dead letter worker...")

	deadletterWorker, err := deadletter.NewWorker(deadletterService)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create dead letter worker", zap.Error(err))
		return nil, nil, err
	}

	logging.Logger.Info("[NewApp] Dead letter worker created")

	return deadletterService, deadletterWorker, nil
}

func newReadiness(
	dbConn *gorm.DB,
	minioClient *minio.MinioClient,
	twilioClient *telephony.TwilioClient,
	locker lock.Locker,
) *healthchecker.Readiness {
	checks := map[string]healthchecker.Pinger{
		"database": healthchecker.PingFunc(func(ctx context.Context) error {
			sqlDB, err := dbConn.DB()
			if err != nil {
				return err
			}

			return sqlDB.PingContext(ctx)
		}),
		"minio":  minioClient,
		"twilio": twilioClient,
	}

	redisLocker, ok := locker.(*lock.RedisLocker)
	if ok {
		checks["redis"] = redisLocker
	}

	return healthchecker.NewReadiness(checks)
}

func newDetector() *completion.Detector {
	return completion.NewDetector(
		judge.NewClient(),
		CompletionConfig(),
		completion.WithJudgeObserver(func(latency time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}

			prometheusAhsoka.JudgeLatency.WithLabelValues(result).Observe(latency.Seconds())
		}),
	)
}

// CompletionConfig overlays the configured thresholds on the detector defaults.
func CompletionConfig() completion.Config {
	cfg := completion.DefaultConfig()

	if config.Conf.CompletionMinSilence > 0 {
		cfg.MinSilence = time.Duration(config.Conf.CompletionMinSilence) * time.Millisecond
	}

	if config.Conf.CompletionHardCeiling > 0 {
		cfg.HardCeiling = time.Duration(config.Conf.CompletionHardCeiling) * time.Millisecond
	}

	if config.Conf.CompletionMinContentLength > 0 {
		cfg.MinContentLength = config.Conf.CompletionMinContentLength
	}

	if config.Conf.CompletionConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = config.Conf.CompletionConfidenceThreshold
	}

	if config.Conf.CompletionLongPause > 0 {
		cfg.LongPause = time.Duration(config.Conf.CompletionLongPause) * time.Millisecond
	}

	if config.Conf.JudgeTimeout > 0 {
		cfg.JudgeTimeout = time.Duration(config.Conf.JudgeTimeout) * time.Second
	}

	return cfg
}

// Run blocks until ctx is cancelled, by shutdown or by an open durable-dependency breaker,
// and every component has stopped.
func (app *Ahsoka) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting health checker monitor")
		app.HealthCheckerService.Monitor(groupCtx)

		return nil
	})

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting dead letter worker")
		app.DeadLetterWorker.Run(groupCtx)

		return nil
	})

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting webhook server", zap.String("port", config.Conf.WebhookPort))
		return app.WebhookServer.Run(groupCtx)
	})

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting orchestrator",
			zap.Int("call_pool_size", config.Conf.OrchestratorPoolSize),
		)

		return app.Orchestrator.Run(groupCtx)
	})

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting due Kafka consumer", zap.String("topic", config.Conf.KafkaDueTopic))
		return app.KafkaConsumer.Consume(groupCtx, config.Conf.KafkaDueTopic, app.DueMessageHandler)
	})

	err := group.Wait()
	if err != nil {
		logging.Logger.Error("[Run] App component stopped with error", zap.Error(err))
	}

	app.shutdown()

	return err
}

func (app *Ahsoka) shutdown() {
	logging.Logger.Info("[shutdown] Releasing resources...")

	app.CallPool.Release()

	_ = app.KafkaConsumer.Close()
	_ = app.KafkaProducer.Close()

	redisLocker, ok := app.Locker.(*lock.RedisLocker)
	if ok {
		_ = redisLocker.Close()
	}

	sqlDB, err := app.DBConn.DB()
	if err == nil {
		_ = sqlDB.Close()
	}

	logging.Logger.Info("[shutdown] Resources released")
}
