package storage

import (
	"context"
	"errors"
	"strings"

	logx "notiflow/pkg/logx"
)

// Store is the persistence API used by the ledger and the escalation coordinator.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// LoadDeliveries returns the latest revision of every delivery in first
	// append order.
	LoadDeliveries(ctx context.Context) ([]DeliveryRecord, error)

	PutEscalation(ctx context.Context, r EscalationRecord) error
	LoadEscalations(ctx context.Context) ([]EscalationRecord, error)

	// Compact drops superseded revisions.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
