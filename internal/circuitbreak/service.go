package circuitbreak

import (
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

var CircuitBreakChan chan string

// Services whose open breaker restarts the app. Per-call collaborators (judge, synthesis,
// transcription, telephony) degrade inside the call instead.
const (
	DBService            = "database"
	KafkaProducerService = "kafka_producer"
)

func Init() {
	CircuitBreakChan = make(chan string, 1)
}

// TriggerError reports an open breaker. Only the first report per app lifetime is kept;
// the app is already restarting after it.
func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Warn("circuit break reported before app creation", zap.String("service", service))
		return
	}

	select {
	case CircuitBreakChan <- service:
	default:
		logging.Logger.Warn("circuit break already pending", zap.String("service", service))
	}
}
