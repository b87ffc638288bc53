package minio

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"path"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	prometheusAhsoka "git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"github.com/avast/retry-go"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var ErrConvertToStringUrl = errors.New("failed to convert result url to string")

type MinioClient struct {
	Client         *minio.Client
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	BucketName     string
}

func NewMinioClient() (*MinioClient, error) {
	endpointURL := config.Conf.MinioEndpointURL

	client, err := minio.New(endpointURL, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Conf.MinioAccessKey, config.Conf.MinioSecretKey, ""),
		Secure: config.Conf.MinioSecure,
	})
	if err != nil {
		logging.Logger.Error("Failed to initialize MinIO client",
			zap.String("endpoint", endpointURL),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to MinIO",
		zap.String("endpoint", endpointURL),
		zap.String("bucket", config.Conf.MinioBucketName),
	)

	return &MinioClient{
		Client:         client,
		CircuitBreaker: newCircuitBreaker(),
		BucketName:     config.Conf.MinioBucketName,
	}, nil
}

func newCircuitBreaker() *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:     "minio",
		Interval: time.Duration(config.Conf.MinioIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.MinioConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn(
				"Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)
		},
	}

	return gobreaker.NewCircuitBreaker[any](settings)
}

// Upload stores data under key with retry.
func (m *MinioClient) Upload(ctx context.Context, data []byte, key, contentType string) error {
	logging.Logger.Debug("Starting MinIO upload",
		zap.String("object_key", key),
		zap.Int("size", len(data)),
	)

	_, err := m.CircuitBreaker.Execute(func() (any, error) {
		return nil, m.doUpload(ctx, data, key, contentType)
	})

	return err
}

// Presign returns a time limited GET URL for key. The telephony provider fetches audio
// through it, so the bucket can stay private.
func (m *MinioClient) Presign(ctx context.Context, key string) (string, error) {
	result, err := m.CircuitBreaker.Execute(func() (any, error) {
		timer := prometheus.NewTimer(prometheusAhsoka.MinioOperationDuration.WithLabelValues("presign"))
		defer timer.ObserveDuration()

		expiry := time.Duration(config.Conf.MinioPresignExpiry) * time.Second

		presigned, err := m.Client.PresignedGetObject(ctx, m.BucketName, key, expiry, url.Values{})
		if err != nil {
			logging.Logger.Error("MinIO presign failed",
				zap.String("object_key", key),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return presigned.String(), nil
	})
	if err != nil {
		return "", err
	}

	urlStr, ok := result.(string)
	if !ok {
		return "", ErrConvertToStringUrl
	}

	return urlStr, nil
}

// Ping checks that the bucket is reachable.
func (m *MinioClient) Ping(ctx context.Context) error {
	_, err := m.Client.BucketExists(ctx, m.BucketName)
	return err
}

func (m *MinioClient) doUpload(ctx context.Context, data []byte, key, contentType string) error {
	timer := prometheus.NewTimer(prometheusAhsoka.MinioOperationDuration.WithLabelValues("upload"))
	defer timer.ObserveDuration()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, time.Duration(config.Conf.MinioTimeout)*time.Second)
	defer cancel()

	err := retry.Do(
		func() error {
			_, err := m.Client.PutObject(
				ctxWithTimeout,
				m.BucketName,
				key,
				bytes.NewReader(data),
				int64(len(data)),
				minio.PutObjectOptions{ContentType: contentType},
			)
			if err != nil {
				logging.Logger.Error("MinIO upload failed",
					zap.String("object_key", key),
					zap.String("error", err.Error()),
					zap.Bool("is_context_error", ctxWithTimeout.Err() != nil),
				)

				return err
			}

			return nil
		},
		retry.Context(ctxWithTimeout),
		retry.Attempts(config.Conf.MinioMaxRetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Duration(config.Conf.MinioRetryBackoffMinSeconds)*time.Second),
		retry.MaxDelay(time.Duration(config.Conf.MinioRetryBackoffMaxSeconds)*time.Second),
	)
	if err != nil {
		logging.Logger.Error("MinIO upload failed after all retry attempts",
			zap.String("object_key", key),
			zap.String("error", err.Error()),
		)

		return err
	}

	logging.Logger.Info("MinIO upload completed successfully", zap.String("object_key", key))

	return nil
}

// Key joins a configured prefix with name segments.
func Key(prefix string, parts ...string) string {
	return path.Join(append([]string{prefix}, parts...)...)
}
