package utils

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Logger
}

func NewLogger(level string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = logrus.InfoLevel
	}

	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger}
}

func (l *Logger) LogCertificateEvent(event string, serial string, caID int64, details map[string]interface{}) {
	fields := logrus.Fields{
		"event":  event,
		"serial": serial,
		"ca_id":  caID,
		"type":   "certificate_audit",
	}

	for k, v := range details {
		fields[k] = v
	}

	l.WithFields(fields).Info("Certificate lifecycle event")
}

func (l *Logger) LogAcmeEvent(event string, slug string, status string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event":  event,
		"slug":   slug,
		"status": status,
		"type":   "acme_audit",
	}

	for k, v := range details {
		fields[k] = v
	}

	l.WithFields(fields).Info("ACME event")
}

func (l *Logger) LogSecurityEvent(event string, userID string, ip string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event":   event,
		"user_id": userID,
		"ip":      ip,
		"type":    "security_audit",
	}

	for k, v := range details {
		fields[k] = v
	}

	l.WithFields(fields).Warn("Security event")
}

func (l *Logger) LogError(err error, context string, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"error":   err.Error(),
		"context": context,
		"type":    "error",
	}

	for k, v := range fields {
		logFields[k] = v
	}

	l.WithFields(logFields).Error("Application error")
}
