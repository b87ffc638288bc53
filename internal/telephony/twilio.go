package telephony

import (
	"context"
	"errors"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/avast/retry-go"
	"github.com/sony/gobreaker/v2"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

var ErrMissingCallSid = errors.New("twilio returned a call without sid")

const (
	StatusPath = "/twilio/status"
	HoldPath   = "/twilio/hold"
	MediaPath  = "/twilio/media"
	ReadyPath  = "/readyz"
)

// Utterance is one thing said to the callee. AudioURL, when set, is played instead of
// speaking Text with the provider's voice.
type Utterance struct {
	Text     string
	AudioURL string
	HangUp   bool
}

// TwilioClient drives calls through the Twilio REST API. Updates to a live call are retried;
// placing a call never is, since a retry after a lost response would dial twice.
type TwilioClient struct {
	Client          *twilio.RestClient
	CircuitBreaker  *gobreaker.CircuitBreaker[string]
	AccountSID      string
	From            string
	BaseURL         string
	SayVoice        string
	RingTimeout     int
	RetryAttempts   uint
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration

	updateCall func(callHandle string, params *twilioApi.UpdateCallParams) error
}

func NewTwilioClient() *TwilioClient {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.Conf.TwilioAccountSID,
		Password: config.Conf.TwilioAuthToken,
	})

	return &TwilioClient{
		Client:          client,
		CircuitBreaker:  newTwilioCircuitBreaker(),
		AccountSID:      config.Conf.TwilioAccountSID,
		From:            config.Conf.TwilioFromNumber,
		BaseURL:         strings.TrimSuffix(config.Conf.TwilioPublicBaseURL, "/"),
		SayVoice:        config.Conf.TwilioSayVoice,
		RingTimeout:     config.Conf.TwilioRingTimeout,
		RetryAttempts:   config.Conf.TwilioRetryMaxAttempts,
		RetryMinBackoff: time.Duration(config.Conf.TwilioRetryMinBackoff) * time.Millisecond,
		RetryMaxBackoff: time.Duration(config.Conf.TwilioRetryMaxBackoff) * time.Millisecond,
		updateCall: func(callHandle string, params *twilioApi.UpdateCallParams) error {
			_, err := client.Api.UpdateCall(callHandle, params)
			return err
		},
	}
}

func newTwilioCircuitBreaker() *gobreaker.CircuitBreaker[string] {
	settings := gobreaker.Settings{
		Name:     "TwilioClient",
		Interval: time.Duration(config.Conf.TwilioIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.TwilioConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)
		},
	}

	return gobreaker.NewCircuitBreaker[string](settings)
}

// Place dials destination and returns the provider call sid. The call reports progress to
// the status webhook and forks its inbound audio to the media websocket once answered.
func (c *TwilioClient) Place(ctx context.Context, destination string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	twiml, err := RenderConnect(c.MediaURL(), c.BaseURL+HoldPath)
	if err != nil {
		return "", err
	}

	return c.CircuitBreaker.Execute(func() (string, error) {
		params := &twilioApi.CreateCallParams{}
		params.SetTo(destination)
		params.SetFrom(c.From)
		params.SetTwiml(twiml)
		params.SetStatusCallback(c.BaseURL + StatusPath)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
		params.SetStatusCallbackMethod("POST")
		params.SetTimeout(c.RingTimeout)

		resp, err := c.Client.Api.CreateCall(params)
		if err != nil {
			logging.Logger.Error("[Place] Failed to create call",
				zap.String("error", err.Error()),
			)

			return "", err
		}

		if resp.Sid == nil {
			return "", ErrMissingCallSid
		}

		logging.Logger.Info("[Place] Call created", zap.String("call_handle", *resp.Sid))

		return *resp.Sid, nil
	})
}

// Speak replaces the live call's instructions with the utterance.
func (c *TwilioClient) Speak(ctx context.Context, callHandle string, utterance Utterance) error {
	twiml, err := RenderSpeak(utterance, c.SayVoice, c.BaseURL+HoldPath)
	if err != nil {
		return err
	}

	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(twiml)

	return c.update(ctx, "Speak", callHandle, params)
}

// End hangs the call up. Ending a call that already finished is reported by Twilio as an
// error and is harmless to the caller.
func (c *TwilioClient) End(ctx context.Context, callHandle string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")

	return c.update(ctx, "End", callHandle, params)
}

// Ping checks credentials and reachability.
func (c *TwilioClient) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	_, err := c.Client.Api.FetchAccount(c.AccountSID)

	return err
}

// MediaURL is the websocket address Twilio streams call audio to.
func (c *TwilioClient) MediaURL() string {
	base := c.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)

	return base + MediaPath
}

func (c *TwilioClient) update(ctx context.Context, method, callHandle string, params *twilioApi.UpdateCallParams) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	_, err := c.CircuitBreaker.Execute(func() (string, error) {
		err := retry.Do(
			func() error {
				err := c.updateCall(callHandle, params)
				if err != nil {
					logging.Logger.Warn("["+method+"] Failed to update call",
						zap.String("call_handle", callHandle),
						zap.String("error", err.Error()),
					)
				}

				return err
			},
			retry.Context(ctx),
			retry.Attempts(c.RetryAttempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(c.RetryMinBackoff),
			retry.MaxDelay(c.RetryMaxBackoff),
			retry.LastErrorOnly(true),
		)

		return callHandle, err
	})

	return err
}
