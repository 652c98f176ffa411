package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/model"
)

func (d Datasource) CreateQuote(ctx context.Context, quote *model.Quote) (*model.Quote, error) {
	quote.CreatedAt = time.Now()
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO quotes (quote_id, destination, amount, expires_at, created_at) VALUES ($1,$2,$3,$4,$5)`,
		quote.QuoteID, quote.Destination, quote.Amount, quote.ExpiresAt, quote.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record quote", err)
	}
	return quote, nil
}

func (d Datasource) GetQuote(ctx context.Context, quoteID string) (*model.Quote, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT quote_id, destination, amount, expires_at, created_at
		FROM quotes
		WHERE quote_id = $1
	`, quoteID)

	quote := &model.Quote{}
	err := row.Scan(&quote.QuoteID, &quote.Destination, &quote.Amount, &quote.ExpiresAt, &quote.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Quote '%s' not found", quoteID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve quote", err)
	}
	return quote, nil
}
