package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/expenseflow/be-approvals/internal/database"
	"github.com/expenseflow/be-approvals/internal/errors"
)

// ExpenseRepository reads expense records and mirrors approval outcomes onto
// their status column. Expense creation and editing belong to the expenses
// service; this repository never touches anything but status.
type ExpenseRepository struct {
	db *database.DB
}

// NewExpenseRepository creates a new ExpenseRepository.
func NewExpenseRepository(db *database.DB) *ExpenseRepository {
	return &ExpenseRepository{db: db}
}

// GetByID retrieves an expense.
func (r *ExpenseRepository) GetByID(ctx context.Context, id string) (*Expense, error) {
	query := `
		SELECT id, company_id, category_id, submitter_id,
		       amount, currency, status, created_at, updated_at
		FROM expenses
		WHERE id = $1
	`

	exp := &Expense{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&exp.ID,
		&exp.CompanyID,
		&exp.CategoryID,
		&exp.SubmitterID,
		&exp.Amount,
		&exp.Currency,
		&exp.Status,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("expense", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get expense")
	}
	return exp, nil
}

// SetStatus mirrors an instance transition onto the expense row.
func (r *ExpenseRepository) SetStatus(ctx context.Context, id string, status ExpenseStatus) error {
	query := `
		UPDATE expenses
		SET status     = $2::expense_status,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("expense", id)
	}
	return err
}
