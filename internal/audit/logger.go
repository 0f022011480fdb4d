// Package audit records request metadata for administrators. Entries never
// carry request or response bodies.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	writeTimeout = 5 * time.Second
)

// Store is the part of storage the audit Logger uses.
type Store interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Logger writes audit entries to storage.
type Logger struct {
	store Store
}

// NewLogger creates an audit Logger.
func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

// LogRequest records a finished request. A write failure is logged and
// does not affect the response.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("request_id", entry.RequestID).Str("path", entry.Path).Msg("audit write failed")
	}
}

// Query returns entries newest first. The limit defaults to 100 and is capped at 1000.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultLimit
	case filter.Limit > maxLimit:
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	entries, err := l.store.QueryAuditLog(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	return entries, nil
}
