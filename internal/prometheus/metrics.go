package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	judgeLatencyBucketStart  = 0.05
	judgeLatencyBucketFactor = 2.0
	judgeLatencyBucketCount  = 10
)

const (
	callDurationBucketStart  = 15.0
	callDurationBucketFactor = 2.0
	callDurationBucketCount  = 8
)

const (
	storageBucketStart  = 0.01
	storageBucketFactor = 2.5
	storageBucketCount  = 10
)

var CallOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "call_outcomes_total",
		Help: "Finished call sessions by final status",
	},
	[]string{"status"},
)

var CallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "call_duration_seconds",
		Help: "Time from placing a call to its final status",
		Buckets: prometheus.ExponentialBuckets(
			callDurationBucketStart,
			callDurationBucketFactor,
			callDurationBucketCount,
		),
	},
	[]string{"status"},
)

var ActiveCalls = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "active_calls",
		Help: "Calls currently owned by this orchestrator",
	},
)

var CompletionVerdicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "completion_verdicts_total",
		Help: "Completion verdicts by deciding layer and outcome",
	},
	[]string{"source", "complete"},
)

var JudgeLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "judge_latency_seconds",
		Help: "Round trip time of completion judge calls",
		Buckets: prometheus.ExponentialBuckets(
			judgeLatencyBucketStart,
			judgeLatencyBucketFactor,
			judgeLatencyBucketCount,
		),
	},
	[]string{"result"},
)

var DueBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "due_batch_size",
		Help:    "Number of due calls returned per scheduling tick",
		Buckets: prometheus.LinearBuckets(0, 5, 10),
	},
)

var DueMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "due_messages_total",
		Help: "Reflection-due messages consumed by handling result",
	},
	[]string{"result"},
)

var KafkaMessagesProduced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_messages_produced_total",
		Help: "Messages published to Kafka by topic and result",
	},
	[]string{"topic", "result"},
)

var JournalWriteDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "journal_write_duration_seconds",
		Help: "Time taken to publish a journal record",
		Buckets: prometheus.ExponentialBuckets(
			storageBucketStart,
			storageBucketFactor,
			storageBucketCount,
		),
	},
	[]string{"result"},
)

var MinioOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "minio_operation_duration_seconds",
		Help: "Time taken by object storage operations",
		Buckets: prometheus.ExponentialBuckets(
			storageBucketStart,
			storageBucketFactor,
			storageBucketCount,
		),
	},
	[]string{"operation"},
)

func init() {
	prometheus.MustRegister(CallOutcomes)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(ActiveCalls)
	prometheus.MustRegister(CompletionVerdicts)
	prometheus.MustRegister(JudgeLatency)
	prometheus.MustRegister(DueBatchSize)
	prometheus.MustRegister(DueMessages)
	prometheus.MustRegister(KafkaMessagesProduced)
	prometheus.MustRegister(JournalWriteDuration)
	prometheus.MustRegister(MinioOperationDuration)
}
