// Package notify delivers monitor alerts and recovery notices.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pulse/internal/models"
)

// Notifier sends the two kinds of alert the health pipeline emits.
type Notifier interface {
	SendAlert(ctx context.Context, recipient string, m models.Monitor, state models.AlertState, cause string) error
	SendRecoveryNotice(ctx context.Context, recipient string, m models.Monitor) error
}

// Multi fans a notification out to every backend and joins their errors.
type Multi []Notifier

func (n Multi) SendAlert(ctx context.Context, recipient string, m models.Monitor, state models.AlertState, cause string) error {
	var errs []error
	for _, b := range n {
		if err := b.SendAlert(ctx, recipient, m, state, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n Multi) SendRecoveryNotice(ctx context.Context, recipient string, m models.Monitor) error {
	var errs []error
	for _, b := range n {
		if err := b.SendRecoveryNotice(ctx, recipient, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to a zap logger. It is the backend of last resort
// when no transport is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) SendAlert(_ context.Context, recipient string, m models.Monitor, state models.AlertState, cause string) error {
	l.logger.Warn("monitor went down",
		zap.Int64("monitor_id", m.ID), zap.String("name", m.Name), zap.String("url", m.URL),
		zap.String("state", string(state)), zap.String("cause", cause), zap.String("recipient", recipient))
	return nil
}

func (l *Log) SendRecoveryNotice(_ context.Context, recipient string, m models.Monitor) error {
	l.logger.Info("monitor recovered",
		zap.Int64("monitor_id", m.ID), zap.String("name", m.Name), zap.String("url", m.URL),
		zap.String("recipient", recipient))
	return nil
}

func alertSubject(m models.Monitor) string {
	return fmt.Sprintf("[DOWN] %s is not responding", displayName(m))
}

func recoverySubject(m models.Monitor) string {
	return fmt.Sprintf("[UP] %s has recovered", displayName(m))
}

func alertBody(m models.Monitor, cause string, at time.Time) string {
	return fmt.Sprintf("%s (%s) is DOWN.\n\nReason: %s\nDetected: %s\n",
		displayName(m), m.URL, cause, at.UTC().Format(time.RFC1123))
}

func recoveryBody(m models.Monitor, at time.Time) string {
	return fmt.Sprintf("%s (%s) is back UP.\n\nRecovered: %s\n",
		displayName(m), m.URL, at.UTC().Format(time.RFC1123))
}

func displayName(m models.Monitor) string {
	if m.Name != "" {
		return m.Name
	}
	return m.URL
}
