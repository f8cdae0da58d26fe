package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

const TableValidationAttempts = "validation_attempts"

var attemptColumns = []interface{}{
	"id", "order_id", "attempt_number", "outcome", "validation_status", "compliance_score",
	"suggested_icd10_codes", "suggested_cpt_codes", "feedback", "dictation_text",
	"override_justification", "clarification_prompt", "provider", "physician_id", "created_at",
}

// attemptRow mirrors a validation_attempts row for sqlx scanning.
type attemptRow struct {
	ID                    string         `db:"id"`
	OrderID               string         `db:"order_id"`
	AttemptNumber         int            `db:"attempt_number"`
	Outcome               string         `db:"outcome"`
	ValidationStatus      sql.NullString `db:"validation_status"`
	ComplianceScore       sql.NullInt64  `db:"compliance_score"`
	SuggestedICD10Codes   []byte         `db:"suggested_icd10_codes"`
	SuggestedCPTCodes     []byte         `db:"suggested_cpt_codes"`
	Feedback              sql.NullString `db:"feedback"`
	DictationText         string         `db:"dictation_text"`
	OverrideJustification sql.NullString `db:"override_justification"`
	ClarificationPrompt   sql.NullString `db:"clarification_prompt"`
	Provider              sql.NullString `db:"provider"`
	PhysicianID           sql.NullString `db:"physician_id"`
	CreatedAt             time.Time      `db:"created_at"`
}

func (r *attemptRow) toEntity() (*entities.ValidationAttempt, error) {
	a := &entities.ValidationAttempt{
		ID:                    r.ID,
		OrderID:               r.OrderID,
		AttemptNumber:         r.AttemptNumber,
		Outcome:               entities.AttemptOutcome(r.Outcome),
		ValidationStatus:      entities.ValidationStatus(r.ValidationStatus.String),
		ComplianceScore:       int(r.ComplianceScore.Int64),
		Feedback:              r.Feedback.String,
		DictationText:         r.DictationText,
		OverrideJustification: r.OverrideJustification.String,
		ClarificationPrompt:   r.ClarificationPrompt.String,
		Provider:              r.Provider.String,
		PhysicianID:           r.PhysicianID.String,
		CreatedAt:             r.CreatedAt,
	}
	if len(r.SuggestedICD10Codes) > 0 {
		if err := json.Unmarshal(r.SuggestedICD10Codes, &a.SuggestedICD10Codes); err != nil {
			return nil, err
		}
	}
	if len(r.SuggestedCPTCodes) > 0 {
		if err := json.Unmarshal(r.SuggestedCPTCodes, &a.SuggestedCPTCodes); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ValidationAttemptAdapter implements ValidationAttemptRepository
type ValidationAttemptAdapter struct {
	client *postgres.Client
	db     *goqu.Database
	sqlx   *sqlx.DB
	now    func() time.Time
}

var _ repositories.ValidationAttemptRepository = (*ValidationAttemptAdapter)(nil)

// NewValidationAttemptAdapter creates a new validation attempt adapter
func NewValidationAttemptAdapter(client *postgres.Client) *ValidationAttemptAdapter {
	return &ValidationAttemptAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
		sqlx:   sqlx.NewDb(client.DB(), "postgres"),
		now:    time.Now,
	}
}

// Append numbers and inserts an attempt inside one transaction. A per-order
// advisory lock serialises concurrent appends; the unique index on
// (order_id, attempt_number) backs it up.
func (a *ValidationAttemptAdapter) Append(ctx context.Context, attempt *entities.ValidationAttempt) error {
	if attempt.OrderID == "" {
		return apperrors.NewValidationError("attempt requires an order id")
	}

	icdJSON, err := json.Marshal(nonNilCodes(attempt.SuggestedICD10Codes))
	if err != nil {
		return apperrors.NewInternalError("failed to encode diagnosis codes", err)
	}
	cptJSON, err := json.Marshal(nonNilCodes(attempt.SuggestedCPTCodes))
	if err != nil {
		return apperrors.NewInternalError("failed to encode procedure codes", err)
	}

	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return apperrors.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", attempt.OrderID); err != nil {
		return apperrors.NewInternalError("failed to lock order attempts", err)
	}

	nextQuery, args, err := a.db.From(TableValidationAttempts).
		Select(goqu.L("COALESCE(MAX(attempt_number), 0) + 1")).
		Where(goqu.C("order_id").Eq(attempt.OrderID)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build query", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, nextQuery, args...).Scan(&next); err != nil {
		return apperrors.NewInternalError("failed to compute next attempt number", err)
	}

	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = a.now().UTC()
	}

	record := goqu.Record{
		"id":                     attempt.ID,
		"order_id":               attempt.OrderID,
		"attempt_number":         next,
		"outcome":                string(attempt.Outcome),
		"validation_status":      nullString(string(attempt.ValidationStatus)),
		"compliance_score":       attempt.ComplianceScore,
		"suggested_icd10_codes":  string(icdJSON),
		"suggested_cpt_codes":    string(cptJSON),
		"feedback":               nullString(attempt.Feedback),
		"dictation_text":         attempt.DictationText,
		"override_justification": nullString(attempt.OverrideJustification),
		"clarification_prompt":   nullString(attempt.ClarificationPrompt),
		"provider":               nullString(attempt.Provider),
		"physician_id":           nullString(attempt.PhysicianID),
		"created_at":             attempt.CreatedAt,
	}

	insertQuery, args, err := a.db.Insert(TableValidationAttempts).Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperrors.NewConflictError("attempt number already taken for order " + attempt.OrderID)
		}
		return apperrors.NewInternalError("failed to insert validation attempt", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewInternalError("failed to commit validation attempt", err)
	}

	attempt.AttemptNumber = next
	return nil
}

// ListByOrder returns the full attempt history, oldest first
func (a *ValidationAttemptAdapter) ListByOrder(ctx context.Context, orderID string) ([]*entities.ValidationAttempt, error) {
	query, args, err := a.db.From(TableValidationAttempts).
		Select(attemptColumns...).
		Where(goqu.C("order_id").Eq(orderID)).
		Order(goqu.C("attempt_number").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	var rows []attemptRow
	if err := a.sqlx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to list validation attempts", err)
	}

	out := make([]*entities.ValidationAttempt, 0, len(rows))
	for i := range rows {
		attempt, err := rows[i].toEntity()
		if err != nil {
			return nil, apperrors.NewInternalError("failed to decode validation attempt", err)
		}
		out = append(out, attempt)
	}
	return out, nil
}

// Latest returns the newest attempt, or nil when the order has none
func (a *ValidationAttemptAdapter) Latest(ctx context.Context, orderID string) (*entities.ValidationAttempt, error) {
	query, args, err := a.db.From(TableValidationAttempts).
		Select(attemptColumns...).
		Where(goqu.C("order_id").Eq(orderID)).
		Order(goqu.C("attempt_number").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	var row attemptRow
	err = a.sqlx.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get latest validation attempt", err)
	}

	attempt, err := row.toEntity()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to decode validation attempt", err)
	}
	return attempt, nil
}

func nonNilCodes(codes []entities.SuggestedCode) []entities.SuggestedCode {
	if codes == nil {
		return []entities.SuggestedCode{}
	}
	return codes
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
