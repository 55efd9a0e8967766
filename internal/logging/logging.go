// Package logging builds the service's structured logger.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const serviceName = "occupancy"

// New returns a JSON logger carrying the service field. Unknown levels fall back to info.
func New(level string) *logrus.Entry {
	return NewWithOutput(level, os.Stdout)
}

func NewWithOutput(level string, out io.Writer) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log.WithField("service", serviceName)
}

// Discard is a logger for tests.
func Discard() *logrus.Entry {
	return NewWithOutput("panic", io.Discard)
}

func UnaryServerInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"method": info.FullMethod,
				"error":  err.Error(),
			}).Warn("grpc request failed")
			return resp, err
		}
		logger.WithField("method", info.FullMethod).Debug("grpc request completed")
		return resp, nil
	}
}
