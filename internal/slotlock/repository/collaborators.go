package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresPriceSource reads per-seat prices from the reserves table the trip
// layer maintains.
type PostgresPriceSource struct {
	db *sql.DB
}

// NewPostgresPriceSource binds the source to an open database handle.
func NewPostgresPriceSource(db *sql.DB) *PostgresPriceSource {
	return &PostgresPriceSource{db: db}
}

// UnitPriceCents implements domain.PriceSource.
func (s *PostgresPriceSource) UnitPriceCents(ctx context.Context, reserveID int64) (int64, error) {
	var price int64
	row := s.db.QueryRowContext(ctx, `SELECT seat_price_cents FROM reserves WHERE id = $1`, reserveID)
	if err := row.Scan(&price); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrReserveNotFound
		}
		return 0, fmt.Errorf("read reserve price: %w", err)
	}
	return price, nil
}
