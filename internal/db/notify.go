package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Notifier publishes a NOTIFY on a Postgres channel each time a turn is
// persisted, so dashboards reading the database can refresh a call.
type Notifier struct {
	DB      *sql.DB
	Channel string
}

// NewNotifier returns nil when channel is empty, which disables
// notifications.
func NewNotifier(db *sql.DB, channel string) *Notifier {
	if channel == "" {
		return nil
	}
	return &Notifier{DB: db, Channel: channel}
}

// Notify sends callID as the payload.
func (n *Notifier) Notify(ctx context.Context, callID string) error {
	if n == nil {
		return nil
	}
	_, err := n.DB.ExecContext(ctx, notifyStatement(n.Channel), callID)
	return err
}

func notifyStatement(channel string) string {
	return fmt.Sprintf("SELECT pg_notify(%s, $1)", pq.QuoteLiteral(channel))
}
