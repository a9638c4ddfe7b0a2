package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type stockRepository struct {
	store *Store
}

// NewStockRepository создаёт PostgreSQL-реализацию StockRepository.
// Изменения одной позиции сериализуются блокировкой строки (SELECT ... FOR UPDATE).
func NewStockRepository(store *Store) domain.StockRepository {
	return &stockRepository{store: store}
}

func (r *stockRepository) Get(productID int64, size domain.Size) (domain.StockLine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	line := domain.StockLine{ProductID: productID, Size: size}
	err := r.store.DB().QueryRowContext(ctx, `
		SELECT quantity, updated_at
		FROM stock_lines
		WHERE product_id = $1 AND size = $2
	`, productID, string(size)).Scan(&line.Quantity, &line.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockLine{}, domain.ErrStockLineNotFound
		}
		return domain.StockLine{}, fmt.Errorf("select stock line: %w", err)
	}
	return line, nil
}

func (r *stockRepository) ListByProduct(productID int64) ([]domain.StockLine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT size, quantity, updated_at
		FROM stock_lines
		WHERE product_id = $1
		ORDER BY size
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list stock lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.StockLine, 0)
	for rows.Next() {
		line := domain.StockLine{ProductID: productID}
		var size string
		if err := rows.Scan(&size, &line.Quantity, &line.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock line: %w", err)
		}
		line.Size = domain.Size(size)
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock lines: %w", err)
	}
	return lines, nil
}

// Apply блокирует строку позиции, проверяет ключ операции и применяет изменение в одной транзакции.
func (r *stockRepository) Apply(op domain.StockOperation) (domain.StockOperationResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var result domain.StockOperationResult
	err := r.store.withTx(ctx, nil, func(tx *sql.Tx) error {
		var (
			current int64
			exists  = true
		)
		err := tx.QueryRowContext(ctx, `
			SELECT quantity
			FROM stock_lines
			WHERE product_id = $1 AND size = $2
			FOR UPDATE
		`, op.ProductID, string(op.Size)).Scan(&current)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lock stock line: %w", err)
			}
			exists = false
		}

		if op.Key != "" {
			prev, found, err := findOperation(ctx, tx, op.Key)
			if err != nil {
				return err
			}
			if found {
				if !prev.op.SameAs(op) {
					return domain.ErrStockOperationMismatch
				}
				result = domain.StockOperationResult{NewQuantity: prev.result, Replayed: true}
				return nil
			}
		}

		var next int64
		switch op.Kind {
		case domain.StockOperationDecrement:
			if !exists {
				return domain.ErrStockLineNotFound
			}
			if current < op.Amount {
				return domain.InsufficientStock(current, op.Amount)
			}
			next = current - op.Amount
		case domain.StockOperationAdd:
			sum, err := domain.AddQuantity(current, op.Amount)
			if err != nil {
				return err
			}
			next = sum
		case domain.StockOperationSet:
			next = op.Amount
		default:
			return domain.InvalidRequest(fmt.Errorf("unknown stock operation %q", op.Kind))
		}

		now := time.Now().UTC()
		if exists {
			if _, err := tx.ExecContext(ctx, `
				UPDATE stock_lines SET quantity = $3, updated_at = $4
				WHERE product_id = $1 AND size = $2
			`, op.ProductID, string(op.Size), next, now); err != nil {
				return fmt.Errorf("update stock line: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stock_lines (product_id, size, quantity, updated_at)
				VALUES ($1, $2, $3, $4)
			`, op.ProductID, string(op.Size), next, now); err != nil {
				return fmt.Errorf("insert stock line: %w", err)
			}
		}

		if op.Key != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stock_operations (key, product_id, size, kind, amount, new_quantity, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, op.Key, op.ProductID, string(op.Size), string(op.Kind), op.Amount, next, now); err != nil {
				return fmt.Errorf("record stock operation: %w", err)
			}
		}

		result = domain.StockOperationResult{NewQuantity: next}
		return nil
	})
	if err != nil && isUniqueViolation(err) {
		// Параллельная операция с тем же ключом или первая вставка позиции успела раньше.
		return r.replayAfterConflict(op, err)
	}
	if err != nil {
		return domain.StockOperationResult{}, err
	}
	return result, nil
}

func (r *stockRepository) replayAfterConflict(op domain.StockOperation, cause error) (domain.StockOperationResult, error) {
	if op.Key == "" {
		return r.Apply(op)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var result domain.StockOperationResult
	err := r.store.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(tx *sql.Tx) error {
		prev, found, err := findOperation(ctx, tx, op.Key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("apply stock operation: %w", cause)
		}
		if !prev.op.SameAs(op) {
			return domain.ErrStockOperationMismatch
		}
		result = domain.StockOperationResult{NewQuantity: prev.result, Replayed: true}
		return nil
	})
	if err != nil {
		return domain.StockOperationResult{}, err
	}
	return result, nil
}

type recordedOperation struct {
	op     domain.StockOperation
	result int64
}

func findOperation(ctx context.Context, tx *sql.Tx, key string) (recordedOperation, bool, error) {
	var (
		rec  recordedOperation
		size string
		kind string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT product_id, size, kind, amount, new_quantity
		FROM stock_operations
		WHERE key = $1
	`, key).Scan(&rec.op.ProductID, &size, &kind, &rec.op.Amount, &rec.result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return recordedOperation{}, false, nil
		}
		return recordedOperation{}, false, fmt.Errorf("select stock operation: %w", err)
	}
	rec.op.Key = key
	rec.op.Size = domain.Size(size)
	rec.op.Kind = domain.StockOperationKind(kind)
	return rec, true, nil
}

var _ domain.StockRepository = (*stockRepository)(nil)
