package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "prodmon/pkg/logx"
)

// Store is the persistence API used by the notifier and the app.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	AppendNotification(ctx context.Context, r NotificationRecord) error
	// RecentNotifications returns up to limit records, newest first.
	// limit <= 0 returns everything.
	RecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
	// PruneNotifications drops records older than before (ignored when zero)
	// and then everything beyond the newest keep (ignored when <= 0).
	PruneNotifications(ctx context.Context, before time.Time, keep int) (int, error)
	// MarkNotificationsRead flags every unread record as read and returns
	// how many changed.
	MarkNotificationsRead(ctx context.Context) (int, error)
	// ClearNotifications deletes the whole history and returns the count.
	ClearNotifications(ctx context.Context) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// pruneRecords applies the PruneNotifications rules to an oldest-first
// slice and returns the survivors.
func pruneRecords(recs []NotificationRecord, before time.Time, keep int) []NotificationRecord {
	out := make([]NotificationRecord, 0, len(recs))
	for _, r := range recs {
		if !before.IsZero() && r.At.Before(before) {
			continue
		}
		out = append(out, r)
	}
	if keep > 0 && len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out
}
