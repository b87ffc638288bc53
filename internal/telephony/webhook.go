package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	twilioClient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"
)

const signatureHeader = "X-Twilio-Signature"

// SignatureValidator checks that a webhook request was sent by the provider.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// mediaMessage is one frame of the Twilio media stream protocol.
type mediaMessage struct {
	Event string `json:"event"`
	Start struct {
		CallSid string `json:"callSid"`
	} `json:"start"`
	Media struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
}

// ReadinessProbe reports per-dependency status and whether all of them are usable.
type ReadinessProbe interface {
	Probe(ctx context.Context) (map[string]string, bool)
}

type WebhookServer struct {
	Hub       *EventHub
	Validator SignatureValidator
	Readiness ReadinessProbe
	BaseURL   string
	upgrader  websocket.Upgrader
}

func NewWebhookServer(hub *EventHub) *WebhookServer {
	var validator SignatureValidator

	if config.Conf.TwilioValidateSignature {
		requestValidator := twilioClient.NewRequestValidator(config.Conf.TwilioAuthToken)
		validator = &requestValidator
	}

	return &WebhookServer{
		Hub:       hub,
		Validator: validator,
		BaseURL:   strings.TrimSuffix(config.Conf.TwilioPublicBaseURL, "/"),
	}
}

func (s *WebhookServer) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	signed := router.Group("/", s.verifySignature)
	signed.POST(StatusPath, s.handleStatus)
	signed.POST(HoldPath, s.handleHold)

	router.GET(MediaPath, s.handleMedia)
	router.GET(ReadyPath, s.handleReady)

	return router
}

// Run serves the webhook endpoints until ctx is done.
func (s *WebhookServer) Run(ctx context.Context) error {
	timeout := time.Duration(config.Conf.WebhookTimeout) * time.Second

	server := &http.Server{
		Addr:              ":" + config.Conf.WebhookPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: timeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Logger.Info("[Run] Starting webhook server", zap.String("port", config.Conf.WebhookPort))

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger.Error("[Run] Webhook server failed", zap.String("error", err.Error()))
		return err
	}

	return nil
}

func (s *WebhookServer) verifySignature(c *gin.Context) {
	if s.Validator == nil {
		c.Next()
		return
	}

	err := c.Request.ParseForm()
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	params := make(map[string]string, len(c.Request.PostForm))
	for key := range c.Request.PostForm {
		params[key] = c.Request.PostForm.Get(key)
	}

	url := s.BaseURL + c.Request.URL.RequestURI()

	if !s.Validator.Validate(url, params, c.GetHeader(signatureHeader)) {
		logging.Logger.Warn("[verifySignature] Rejected unsigned webhook",
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		)
		c.AbortWithStatus(http.StatusForbidden)

		return
	}

	c.Next()
}

func (s *WebhookServer) handleStatus(c *gin.Context) {
	callSid := c.PostForm("CallSid")
	callStatus := c.PostForm("CallStatus")

	if callSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing CallSid"})
		return
	}

	event, ok := StatusEvent(callSid, callStatus)
	if ok {
		s.Hub.Publish(event)
	}

	logging.Logger.Debug("[handleStatus] Call status received",
		zap.String("call_handle", callSid),
		zap.String("call_status", callStatus),
		zap.Bool("published", ok),
	)

	c.Status(http.StatusNoContent)
}

func (s *WebhookServer) handleHold(c *gin.Context) {
	twiml, err := RenderHold(s.BaseURL + HoldPath)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

func (s *WebhookServer) handleReady(c *gin.Context) {
	if s.Readiness == nil {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}

	checks, ready := s.Readiness.Probe(c.Request.Context())

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

func (s *WebhookServer) handleMedia(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Logger.Warn("[handleMedia] Websocket upgrade failed", zap.String("error", err.Error()))
		return
	}

	defer func() {
		_ = conn.Close()
	}()

	var callSid string

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logger.Debug("[handleMedia] Media stream closed",
					zap.String("call_handle", callSid),
					zap.String("error", err.Error()),
				)
			}

			return
		}

		var msg mediaMessage

		err = json.Unmarshal(data, &msg)
		if err != nil {
			continue
		}

		switch msg.Event {
		case "start":
			callSid = msg.Start.CallSid
		case "media":
			if callSid == "" || msg.Media.Payload == "" {
				continue
			}

			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}

			s.Hub.Publish(Event{Kind: EventAudio, CallHandle: callSid, Audio: audio})
		case "stop":
			return
		}
	}
}

// StatusEvent maps a Twilio CallStatus to a call event. Progress statuses such as ringing
// carry no event.
func StatusEvent(callSid, callStatus string) (Event, bool) {
	switch callStatus {
	case "in-progress":
		return Event{Kind: EventConnected, CallHandle: callSid}, true
	case "completed", "busy", "no-answer", "canceled":
		return Event{Kind: EventDisconnected, CallHandle: callSid, Reason: callStatus}, true
	case "failed":
		return Event{Kind: EventDisconnected, CallHandle: callSid, Reason: callStatus, Failed: true}, true
	default:
		return Event{}, false
	}
}
