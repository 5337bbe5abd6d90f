// Package httpclient builds the retrying HTTP client used for outbound
// gateway calls.
package httpclient

import (
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// New builds a retryablehttp client with zap-backed logging. Retries cover
// connection errors and 5xx responses; 4xx responses are returned as-is.
func New(log *zap.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = &leveledLogger{log: log.Named("httpclient").Sugar()}
	return client
}

type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, keysAndValues...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Infow(msg, keysAndValues...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warnw(msg, keysAndValues...)
}

var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)
