package payment

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/nextstack/internal/tracing"
)

//go:embed schema.sql
var schemaSQL string

const paymentColumns = `id, session_id, user_id, amount, currency, status, customer_email, description, metadata, created_at, updated_at`

// PostgresRepository implements Repository on the payments table.
// The UNIQUE constraint on session_id is the only synchronization point
// between concurrent webhook deliveries.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the payments table and its indexes if they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	if _, err = r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure payments schema: %w", err)
	}
	return nil
}

// Upsert inserts the record, or returns the existing row when the session ID
// is already present. ON CONFLICT DO NOTHING keeps the stored row untouched.
func (r *PostgresRepository) Upsert(ctx context.Context, record *PaymentRecord) (stored *PaymentRecord, created bool, err error) {
	if err := validateRecord(record); err != nil {
		return nil, false, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	insert := record.clone()
	if insert.ID == "" {
		insert.ID = uuid.New().String()
	}
	if insert.Status == "" {
		insert.Status = StatusPending
	}
	now := time.Now().UTC()
	if insert.CreatedAt.IsZero() {
		insert.CreatedAt = now
	}
	insert.UpdatedAt = insert.CreatedAt

	metadata, err := marshalMetadata(insert.Metadata)
	if err != nil {
		return nil, false, err
	}

	query := `INSERT INTO payments (` + paymentColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          ON CONFLICT (session_id) DO NOTHING
	          RETURNING id, created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query,
		insert.ID,
		insert.SessionID,
		insert.UserID,
		insert.Amount,
		insert.Currency,
		string(insert.Status),
		insert.CustomerEmail,
		insert.Description,
		metadata,
		insert.CreatedAt,
		insert.UpdatedAt,
	).Scan(&insert.ID, &insert.CreatedAt, &insert.UpdatedAt)
	if err == nil {
		r.logger.DebugContext(ctx, "inserted payment record", slog.String("session_id", insert.SessionID))
		return insert, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert payment record: %w", err)
	}

	// Conflict: another delivery already stored this session.
	existing, err := r.GetBySessionID(ctx, insert.SessionID)
	if err != nil {
		return nil, false, err
	}
	r.logger.DebugContext(ctx, "payment record already exists", slog.String("session_id", insert.SessionID))
	return existing, false, nil
}

// GetBySessionID retrieves a payment record by session ID.
func (r *PostgresRepository) GetBySessionID(ctx context.Context, sessionID string) (record *PaymentRecord, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE session_id = $1`
	record, err = scanPayment(r.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment record: %w", err)
	}
	return record, nil
}

// ListByUser returns the user's records, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int) (records []*PaymentRecord, err error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + paymentColumns + `
	          FROM payments
	          WHERE user_id = $1
	          ORDER BY created_at DESC
	          LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*PaymentRecord, error) {
	var (
		record   PaymentRecord
		status   string
		metadata []byte
	)
	err := row.Scan(
		&record.ID,
		&record.SessionID,
		&record.UserID,
		&record.Amount,
		&record.Currency,
		&status,
		&record.CustomerEmail,
		&record.Description,
		&metadata,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode payment metadata: %w", err)
		}
		if len(record.Metadata) == 0 {
			record.Metadata = nil
		}
	}
	return &record, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment metadata: %w", err)
	}
	return b, nil
}
