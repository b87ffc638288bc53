package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFilePath    string `mapstructure:"log_file_path"`
	LogMaxSizeMB   int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups  int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays  int    `mapstructure:"log_max_age_days"`
	LogCompression bool   `mapstructure:"log_compression"`

	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"          validate:"required"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	PostgresSSLMode         string `mapstructure:"postgres_ssl_mode"          validate:"oneof=disable allow prefer require verify-ca verify-full"`
	PostgresMaxOpenConns    int    `mapstructure:"postgres_max_open_conns"`
	PostgresMaxIdleConns    int    `mapstructure:"postgres_max_idle_conns"`
	PostgresConnMaxLifetime int    `mapstructure:"postgres_conn_max_lifetime"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"        validate:"required"`
	KafkaUsername              string `mapstructure:"kafka_username"                validate:"required"`
	KafkaPassword              string `mapstructure:"kafka_password"                validate:"required"`
	KafkaSASLMechanism         string `mapstructure:"kafka_sasl_mechanism"          validate:"oneof=SCRAM-SHA-256 SCRAM-SHA-512"`
	KafkaDueTopic              string `mapstructure:"kafka_due_topic"               validate:"required"`
	KafkaDueGroupID            string `mapstructure:"kafka_due_group_id"            validate:"required"`
	KafkaJournalTopic          string `mapstructure:"kafka_journal_topic"           validate:"required"`
	KafkaNotificationTopic     string `mapstructure:"kafka_notification_topic"      validate:"required"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	MinioEndpointURL            string `mapstructure:"minio_endpoint_url"              validate:"required"`
	MinioAccessKey              string `mapstructure:"minio_access_key"                validate:"required"`
	MinioSecretKey              string `mapstructure:"minio_secret_key"                validate:"required"`
	MinioBucketName             string `mapstructure:"minio_bucket_name"               validate:"required"`
	MinioSecure                 bool   `mapstructure:"minio_secure"`
	MinioAudioPrefix            string `mapstructure:"minio_audio_prefix"`
	MinioTranscriptPrefix       string `mapstructure:"minio_transcript_prefix"`
	MinioPresignExpiry          int    `mapstructure:"minio_presign_expiry"`
	MinioMaxRetryAttempts       uint   `mapstructure:"minio_max_retry_attempts"`
	MinioRetryBackoffMinSeconds int    `mapstructure:"minio_retry_backoff_min_seconds"`
	MinioRetryBackoffMaxSeconds int    `mapstructure:"minio_retry_backoff_max_seconds"`
	MinioTimeout                int    `mapstructure:"minio_timeout"`
	MinioIntervalCB             uint32 `mapstructure:"minio_interval_cb"`
	MinioConsecutiveFailuresCB  uint32 `mapstructure:"minio_consecutive_failures_cb"`

	JudgeBaseUrl               string `mapstructure:"judge_base_url"                validate:"required"`
	JudgeAPIKey                string `mapstructure:"judge_api_key"`
	JudgeModel                 string `mapstructure:"judge_model"                   validate:"required"`
	JudgeTimeout               int    `mapstructure:"judge_timeout"`
	JudgeRetryMaxAttempts      uint   `mapstructure:"judge_retry_max_attempts"`
	JudgeRetryMinBackoff       int    `mapstructure:"judge_retry_min_backoff"`
	JudgeRetryMaxBackoff       int    `mapstructure:"judge_retry_max_backoff"`
	JudgeIntervalCB            uint32 `mapstructure:"judge_interval_cb"`
	JudgeConsecutiveFailuresCB uint32 `mapstructure:"judge_consecutive_failures_cb"`

	TTSBaseUrl               string `mapstructure:"tts_base_url"                validate:"required"`
	TTSAPIKey                string `mapstructure:"tts_api_key"`
	TTSModel                 string `mapstructure:"tts_model"                   validate:"required"`
	TTSVoice                 string `mapstructure:"tts_voice"`
	TTSFormat                string `mapstructure:"tts_format"                  validate:"oneof=mp3 wav"`
	TTSTimeout               int    `mapstructure:"tts_timeout"`
	TTSRetryMaxAttempts      uint   `mapstructure:"tts_retry_max_attempts"`
	TTSRetryMinBackoff       int    `mapstructure:"tts_retry_min_backoff"`
	TTSRetryMaxBackoff       int    `mapstructure:"tts_retry_max_backoff"`
	TTSIntervalCB            uint32 `mapstructure:"tts_interval_cb"`
	TTSConsecutiveFailuresCB uint32 `mapstructure:"tts_consecutive_failures_cb"`

	STTWebsocketURL string `mapstructure:"stt_websocket_url" validate:"required,url"`
	STTAPIKey       string `mapstructure:"stt_api_key"`
	STTModel        string `mapstructure:"stt_model"`
	STTLanguage     string `mapstructure:"stt_language"`
	STTEncoding     string `mapstructure:"stt_encoding"`
	STTSampleRate   int    `mapstructure:"stt_sample_rate"`
	STTDialTimeout  int    `mapstructure:"stt_dial_timeout"`

	TwilioAccountSID            string `mapstructure:"twilio_account_sid"     validate:"required"`
	TwilioAuthToken             string `mapstructure:"twilio_auth_token"      validate:"required"`
	TwilioFromNumber            string `mapstructure:"twilio_from_number"     validate:"required"`
	TwilioPublicBaseURL         string `mapstructure:"twilio_public_base_url" validate:"required,url"`
	TwilioValidateSignature     bool   `mapstructure:"twilio_validate_signature"`
	TwilioSayVoice              string `mapstructure:"twilio_say_voice"`
	TwilioRingTimeout           int    `mapstructure:"twilio_ring_timeout"`
	TwilioIntervalCB            uint32 `mapstructure:"twilio_interval_cb"`
	TwilioConsecutiveFailuresCB uint32 `mapstructure:"twilio_consecutive_failures_cb"`
	TwilioRetryMaxAttempts      uint   `mapstructure:"twilio_retry_max_attempts"`
	TwilioRetryMinBackoff       int    `mapstructure:"twilio_retry_min_backoff"`
	TwilioRetryMaxBackoff       int    `mapstructure:"twilio_retry_max_backoff"`

	WebhookPort    string `mapstructure:"webhook_port"`
	WebhookTimeout int    `mapstructure:"webhook_timeout"`

	LockDriver string `mapstructure:"lock_driver" validate:"oneof=memory redis"`
	RedisURL   string `mapstructure:"redis_url"   validate:"required_if=LockDriver redis"`
	LockTTL    int    `mapstructure:"lock_ttl"`

	OrchestratorTickInterval      int    `mapstructure:"orchestrator_tick_interval"`
	OrchestratorBatchSize         int    `mapstructure:"orchestrator_batch_size"`
	OrchestratorPoolSize          int    `mapstructure:"orchestrator_pool_size"`
	OrchestratorDefaultMaxAttempt int    `mapstructure:"orchestrator_default_max_attempts"`
	OrchestratorRetryPolicy       string `mapstructure:"orchestrator_retry_policy"     validate:"oneof=fixed linear exponential"`
	OrchestratorRetryBaseDelay    int    `mapstructure:"orchestrator_retry_base_delay"`
	OrchestratorRetryMaxDelay     int    `mapstructure:"orchestrator_retry_max_delay"`
	OrchestratorMaxCallDuration   int    `mapstructure:"orchestrator_max_call_duration"`
	OrchestratorNoResponseTimeout int    `mapstructure:"orchestrator_no_response_timeout"`
	OrchestratorRecheckInterval   int    `mapstructure:"orchestrator_recheck_interval"`
	OrchestratorGreeting          string `mapstructure:"orchestrator_greeting"`
	OrchestratorClosing           string `mapstructure:"orchestrator_closing"`
	OrchestratorSettleAttempts    uint   `mapstructure:"orchestrator_settle_attempts"`
	OrchestratorSettleBackoff     int    `mapstructure:"orchestrator_settle_backoff"`

	PromptDefaultScript string `mapstructure:"prompt_default_script"`

	CompletionMinSilence          int     `mapstructure:"completion_min_silence"`
	CompletionHardCeiling         int     `mapstructure:"completion_hard_ceiling"`
	CompletionMinContentLength    int     `mapstructure:"completion_min_content_length"`
	CompletionConfidenceThreshold float64 `mapstructure:"completion_confidence_threshold" validate:"gte=0,lte=1"`
	CompletionLongPause           int     `mapstructure:"completion_long_pause"`

	DeadLetterMaxRetries int `mapstructure:"deadletter_max_retries"`
	DeadLetterLimit      int `mapstructure:"deadletter_limit"`
	DeadLetterInterval   int `mapstructure:"deadletter_interval"`
	DeadLetterRetryDelay int `mapstructure:"deadletter_retry_delay"`
	DeadLetterPoolSize   int `mapstructure:"dead_letter_pool_size"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

// Validate checks the loaded configuration. It runs when the app starts rather than at
// package init so packages can be imported without a complete environment.
func Validate() error {
	return validator.New().Struct(&Conf)
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	return viper.Unmarshal(cfg)
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("LOG_MAX_SIZE_MB", "100")
	viper.SetDefault("LOG_MAX_BACKUPS", "5")
	viper.SetDefault("LOG_MAX_AGE_DAYS", "14")
	viper.SetDefault("LOG_COMPRESSION", "true")

	viper.SetDefault("POSTGRES_SSL_MODE", "disable")
	viper.SetDefault("POSTGRES_MAX_OPEN_CONNS", "50")
	viper.SetDefault("POSTGRES_MAX_IDLE_CONNS", "10")
	viper.SetDefault("POSTGRES_CONN_MAX_LIFETIME", "1800")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")

	viper.SetDefault("KAFKA_SASL_MECHANISM", "SCRAM-SHA-512")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")

	viper.SetDefault("MINIO_SECURE", "true")
	viper.SetDefault("MINIO_AUDIO_PREFIX", "prompts")
	viper.SetDefault("MINIO_TRANSCRIPT_PREFIX", "transcripts")
	viper.SetDefault("MINIO_PRESIGN_EXPIRY", "900")
	viper.SetDefault("MINIO_MAX_RETRY_ATTEMPTS", "3")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MIN_SECONDS", "1")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MAX_SECONDS", "5")
	viper.SetDefault("MINIO_TIMEOUT", "30")
	viper.SetDefault("MINIO_INTERVAL_CB", "300")
	viper.SetDefault("MINIO_CONSECUTIVE_FAILURES_CB", "3")

	viper.SetDefault("JUDGE_TIMEOUT", "4")
	viper.SetDefault("JUDGE_RETRY_MAX_ATTEMPTS", "2")
	viper.SetDefault("JUDGE_RETRY_MIN_BACKOFF", "200")
	viper.SetDefault("JUDGE_RETRY_MAX_BACKOFF", "1000")
	viper.SetDefault("JUDGE_INTERVAL_CB", "30")
	viper.SetDefault("JUDGE_CONSECUTIVE_FAILURES_CB", "5")

	viper.SetDefault("TTS_VOICE", "alloy")
	viper.SetDefault("TTS_FORMAT", "mp3")
	viper.SetDefault("TTS_TIMEOUT", "10")
	viper.SetDefault("TTS_RETRY_MAX_ATTEMPTS", "2")
	viper.SetDefault("TTS_RETRY_MIN_BACKOFF", "200")
	viper.SetDefault("TTS_RETRY_MAX_BACKOFF", "1000")
	viper.SetDefault("TTS_INTERVAL_CB", "60")
	viper.SetDefault("TTS_CONSECUTIVE_FAILURES_CB", "3")

	viper.SetDefault("STT_MODEL", "ink-whisper")
	viper.SetDefault("STT_LANGUAGE", "en")
	viper.SetDefault("STT_ENCODING", "pcm_mulaw")
	viper.SetDefault("STT_SAMPLE_RATE", "8000")
	viper.SetDefault("STT_DIAL_TIMEOUT", "10")

	viper.SetDefault("TWILIO_VALIDATE_SIGNATURE", "true")
	viper.SetDefault("TWILIO_SAY_VOICE", "Polly.Joanna")
	viper.SetDefault("TWILIO_RING_TIMEOUT", "30")
	viper.SetDefault("TWILIO_INTERVAL_CB", "60")
	viper.SetDefault("TWILIO_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("TWILIO_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("TWILIO_RETRY_MIN_BACKOFF", "200")
	viper.SetDefault("TWILIO_RETRY_MAX_BACKOFF", "1000")

	viper.SetDefault("WEBHOOK_PORT", "8080")
	viper.SetDefault("WEBHOOK_TIMEOUT", "30")

	viper.SetDefault("LOCK_DRIVER", "memory")
	viper.SetDefault("LOCK_TTL", "1800")

	viper.SetDefault("ORCHESTRATOR_TICK_INTERVAL", "15")
	viper.SetDefault("ORCHESTRATOR_BATCH_SIZE", "20")
	viper.SetDefault("ORCHESTRATOR_POOL_SIZE", "100")
	viper.SetDefault("ORCHESTRATOR_DEFAULT_MAX_ATTEMPTS", "3")
	viper.SetDefault("ORCHESTRATOR_RETRY_POLICY", "fixed")
	viper.SetDefault("ORCHESTRATOR_RETRY_BASE_DELAY", "300")
	viper.SetDefault("ORCHESTRATOR_RETRY_MAX_DELAY", "3600")
	viper.SetDefault("ORCHESTRATOR_MAX_CALL_DURATION", "1200")
	viper.SetDefault("ORCHESTRATOR_NO_RESPONSE_TIMEOUT", "45")
	viper.SetDefault("ORCHESTRATOR_RECHECK_INTERVAL", "1000")
	viper.SetDefault("ORCHESTRATOR_GREETING", "Hi, this is your daily reflection call.")
	viper.SetDefault("ORCHESTRATOR_CLOSING", "Thank you for reflecting today. Goodbye!")
	viper.SetDefault("ORCHESTRATOR_SETTLE_ATTEMPTS", "5")
	viper.SetDefault("ORCHESTRATOR_SETTLE_BACKOFF", "200")

	viper.SetDefault("COMPLETION_MIN_SILENCE", "3000")
	viper.SetDefault("COMPLETION_HARD_CEILING", "12000")
	viper.SetDefault("COMPLETION_MIN_CONTENT_LENGTH", "20")
	viper.SetDefault("COMPLETION_CONFIDENCE_THRESHOLD", "0.75")
	viper.SetDefault("COMPLETION_LONG_PAUSE", "5000")

	viper.SetDefault("DEADLETTER_MAX_RETRIES", "10")
	viper.SetDefault("DEADLETTER_LIMIT", "100")
	viper.SetDefault("DEADLETTER_INTERVAL", "1")
	viper.SetDefault("DEADLETTER_RETRY_DELAY", "5")
	viper.SetDefault("DEAD_LETTER_POOL_SIZE", "3")

	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")

	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
