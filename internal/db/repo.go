package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// EndCallKeywordType is the keywords row holding the end-of-call phrases.
const EndCallKeywordType = "endCall"

// Repository stores patients, call records and conversation turns in
// Postgres.  It implements the persistence port of the conversation engine.
type Repository struct {
	DB       *sql.DB
	notifier *Notifier
	logger   *zap.Logger
}

// NewRepository constructs a Repository from an existing sql.DB.  The caller
// owns the DB lifecycle.  notifier may be nil.
func NewRepository(db *sql.DB, notifier *Notifier, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{DB: db, notifier: notifier, logger: logger}
}

// UpsertPatient creates the patient or replaces its details.
func (r *Repository) UpsertPatient(ctx context.Context, p pkg.PatientRecord) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO patients (id, name, phone_number, dos, bill_ids, status, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
         ON CONFLICT (id) DO UPDATE
         SET name = EXCLUDED.name,
             phone_number = EXCLUDED.phone_number,
             dos = EXCLUDED.dos,
             bill_ids = EXCLUDED.bill_ids,
             status = EXCLUDED.status`,
		p.ID, p.Name, p.PhoneNumber, pq.Array(nonNil(p.DOS)), pq.Array(nonNil(p.BillIDs)), p.Status, createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", p.ID, err)
	}
	return nil
}

// GetPatient loads one patient.
func (r *Repository) GetPatient(ctx context.Context, id string) (pkg.PatientRecord, error) {
	var (
		p       pkg.PatientRecord
		dos     []string
		billIDs []string
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, name, phone_number, dos, bill_ids, status, created_at
         FROM patients
         WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.PhoneNumber, pq.Array(&dos), pq.Array(&billIDs), &p.Status, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pkg.PatientRecord{}, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return pkg.PatientRecord{}, fmt.Errorf("get patient %s: %w", id, err)
	}
	p.DOS, p.BillIDs = dos, billIDs
	return p, nil
}

// UpsertCallRecord writes the call row.  The conversation is stored
// separately, turn by turn, and rec.Chat is ignored here.
func (r *Repository) UpsertCallRecord(ctx context.Context, rec pkg.CallRecord) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = updatedAt
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO calls (id, patient_id, channel_id, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6)
         ON CONFLICT (id) DO UPDATE
         SET patient_id = EXCLUDED.patient_id,
             channel_id = CASE WHEN EXCLUDED.channel_id = '' THEN calls.channel_id ELSE EXCLUDED.channel_id END,
             status = EXCLUDED.status,
             updated_at = GREATEST(calls.updated_at, EXCLUDED.updated_at)`,
		rec.ID, rec.PatientID, rec.ChannelID, string(rec.Status), createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", rec.ID, err)
	}
	return nil
}

// AppendConversationTurn stores one turn and, when a notifier is
// configured, announces the call id.  A failed notification is logged only.
func (r *Repository) AppendConversationTurn(ctx context.Context, callID string, turn pkg.ConversationTurn) error {
	at := turn.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO conversation_turns (call_id, speaker, message, created_at)
         VALUES ($1, $2, $3, $4)`,
		callID, string(turn.Speaker), turn.Message, at,
	)
	if err != nil {
		return fmt.Errorf("append turn to call %s: %w", callID, err)
	}
	if err := r.notifier.Notify(ctx, callID); err != nil {
		r.logger.Warn("failed to notify turn", zap.String("call_id", callID), zap.Error(err))
	}
	return nil
}

// GetCallRecord loads a persisted call with its conversation.
func (r *Repository) GetCallRecord(ctx context.Context, callID string) (pkg.CallRecord, error) {
	var rec pkg.CallRecord
	var status string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, patient_id, channel_id, status, created_at, updated_at
         FROM calls
         WHERE id = $1`, callID,
	).Scan(&rec.ID, &rec.PatientID, &rec.ChannelID, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pkg.CallRecord{}, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	if err != nil {
		return pkg.CallRecord{}, fmt.Errorf("get call %s: %w", callID, err)
	}
	rec.Status = pkg.CallStatus(status)

	chats, err := r.turnsFor(ctx, []string{callID})
	if err != nil {
		return pkg.CallRecord{}, err
	}
	rec.Chat = chats[callID]
	return rec, nil
}

// ListCallRecords returns one page of calls, newest first, and the total
// number of calls.
func (r *Repository) ListCallRecords(ctx context.Context, limit, offset int) ([]pkg.CallRecord, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, patient_id, channel_id, status, created_at, updated_at
         FROM calls
         ORDER BY created_at DESC, id
         LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var (
		records []pkg.CallRecord
		ids     []string
	)
	for rows.Next() {
		var rec pkg.CallRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.ChannelID, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, 0, err
		}
		rec.Status = pkg.CallStatus(status)
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return records, total, nil
	}

	chats, err := r.turnsFor(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range records {
		records[i].Chat = chats[records[i].ID]
	}
	return records, total, nil
}

// turnsFor loads the conversation of every call in ids, in insertion order.
func (r *Repository) turnsFor(ctx context.Context, ids []string) (map[string][]pkg.ConversationTurn, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT call_id, speaker, message, created_at
         FROM conversation_turns
         WHERE call_id = ANY($1)
         ORDER BY call_id, id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]pkg.ConversationTurn, len(ids))
	for rows.Next() {
		var (
			callID, speaker string
			turn            pkg.ConversationTurn
		)
		if err := rows.Scan(&callID, &speaker, &turn.Message, &turn.Timestamp); err != nil {
			return nil, err
		}
		turn.Speaker = pkg.Speaker(speaker)
		out[callID] = append(out[callID], turn)
	}
	return out, rows.Err()
}

// EndKeywords returns the configured end-of-call phrases.
func (r *Repository) EndKeywords(ctx context.Context) ([]string, error) {
	var keywords []string
	err := r.DB.QueryRowContext(ctx,
		`SELECT keywords FROM keywords WHERE type = $1`, EndCallKeywordType,
	).Scan(pq.Array(&keywords))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("keywords %s: %w", EndCallKeywordType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get end keywords: %w", err)
	}
	return keywords, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
