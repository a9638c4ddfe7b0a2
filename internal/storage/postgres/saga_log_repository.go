package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type sagaLogRepository struct {
	db *sql.DB
}

// NewSagaLogRepository создаёт PostgreSQL-реализацию SagaLogRepository.
func NewSagaLogRepository(store *Store) domain.SagaLogRepository {
	return &sagaLogRepository{db: store.DB()}
}

func (r *sagaLogRepository) Create(record domain.SagaRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO saga_log (
			id, order_id, user_id, product_id, size, quantity, state, attempts, last_error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		record.ID, record.OrderID, record.UserID, record.ProductID, string(record.Size),
		record.Quantity, string(record.State), record.Attempts, record.LastError, record.CreatedAt, now,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert saga record: %w", err)
	}
	return nil
}

func (r *sagaLogRepository) Get(id string) (domain.SagaRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	record, err := scanSagaRecord(r.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, product_id, size, quantity, state, attempts, last_error, created_at, updated_at
		FROM saga_log
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SagaRecord{}, domain.ErrSagaRecordNotFound
		}
		return domain.SagaRecord{}, fmt.Errorf("select saga record: %w", err)
	}
	return record, nil
}

func (r *sagaLogRepository) Update(record domain.SagaRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE saga_log
		SET order_id = $2,
		    state = $3,
		    attempts = $4,
		    last_error = $5,
		    updated_at = $6
		WHERE id = $1
	`, record.ID, record.OrderID, string(record.State), record.Attempts, record.LastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update saga record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saga rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrSagaRecordNotFound
	}
	return nil
}

func (r *sagaLogRepository) ListByStates(states []domain.SagaState, updatedBefore time.Time, limit int) ([]domain.SagaRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	args := make([]any, 0, len(states)+2)
	placeholders := make([]string, 0, len(states))
	for _, s := range states {
		args = append(args, string(s))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := `
		SELECT id, order_id, user_id, product_id, size, quantity, state, attempts, last_error, created_at, updated_at
		FROM saga_log
		WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	if !updatedBefore.IsZero() {
		args = append(args, updatedBefore)
		query += fmt.Sprintf(" AND updated_at < $%d", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list saga records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.SagaRecord, 0)
	for rows.Next() {
		record, err := scanSagaRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga records: %w", err)
	}
	return records, nil
}

func scanSagaRecord(row rowScanner) (domain.SagaRecord, error) {
	var (
		record domain.SagaRecord
		size   string
		state  string
	)
	if err := row.Scan(
		&record.ID, &record.OrderID, &record.UserID, &record.ProductID, &size, &record.Quantity,
		&state, &record.Attempts, &record.LastError, &record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return domain.SagaRecord{}, err
	}
	record.Size = domain.Size(size)
	record.State = domain.SagaState(state)
	return record, nil
}

var _ domain.SagaLogRepository = (*sagaLogRepository)(nil)
