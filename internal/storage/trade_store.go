package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skinvault-gg/skinvault/internal/escrow"
)

// CreateTrade inserts a new trade record.
func (d *DB) CreateTrade(ctx context.Context, t *escrow.Trade) error {
	give, err := json.Marshal(t.ItemsToGive)
	if err != nil {
		return fmt.Errorf("marshal items to give: %w", err)
	}
	take, err := json.Marshal(t.ItemsToTake)
	if err != nil {
		return fmt.Errorf("marshal items to take: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO trades (id, buyer_steam_id, seller_steam_id, items_to_give, items_to_take, offer_id, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BuyerSteamID, t.SellerSteamID, string(give), string(take),
		t.OfferID, string(t.Status), t.Attempts, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create trade: %w", err)
	}
	return nil
}

// GetTrade retrieves a trade by ID.
func (d *DB) GetTrade(ctx context.Context, id string) (*escrow.Trade, error) {
	t := &escrow.Trade{}
	var give, take, status string
	err := d.db.QueryRowContext(ctx,
		`SELECT id, buyer_steam_id, seller_steam_id, items_to_give, items_to_take, offer_id, status, attempts, created_at, updated_at
		 FROM trades WHERE id = ?`, id,
	).Scan(&t.ID, &t.BuyerSteamID, &t.SellerSteamID, &give, &take,
		&t.OfferID, &status, &t.Attempts, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}

	t.Status, err = escrow.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("trade %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(give), &t.ItemsToGive); err != nil {
		return nil, fmt.Errorf("unmarshal items to give: %w", err)
	}
	if err := json.Unmarshal([]byte(take), &t.ItemsToTake); err != nil {
		return nil, fmt.Errorf("unmarshal items to take: %w", err)
	}
	return t, nil
}

// GetTradeByOffer retrieves a trade by its platform offer id. Used by the
// status listener, which only knows offers.
func (d *DB) GetTradeByOffer(ctx context.Context, offerID string) (*escrow.Trade, error) {
	var id string
	err := d.db.QueryRowContext(ctx,
		`SELECT id FROM trades WHERE offer_id = ?`, offerID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade by offer: %w", err)
	}
	return d.GetTrade(ctx, id)
}

// CasStatus atomically moves the status from -> to. The WHERE clause carries
// the expected current value, so a concurrent transition makes this a no-op
// and the caller re-reads. Returns whether the row was updated.
func (d *DB) CasStatus(ctx context.Context, id string, from, to escrow.Status) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().Unix(), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas status rows: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing trade.
		var exists int
		err := d.db.QueryRowContext(ctx, `SELECT 1 FROM trades WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, escrow.ErrTradeNotFound
		}
		if err != nil {
			return false, fmt.Errorf("cas status check: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// SetOfferID records the platform offer identifier once a dispatch went out.
func (d *DB) SetOfferID(ctx context.Context, id, offerID string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE trades SET offer_id = ?, updated_at = ? WHERE id = ?`,
		offerID, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("set offer id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set offer id rows: %w", err)
	}
	if n == 0 {
		return escrow.ErrTradeNotFound
	}
	return nil
}

// IncrementAttempts bumps the stored dispatch attempt counter.
func (d *DB) IncrementAttempts(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE trades SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	return nil
}

// ListTradesByStatus returns all trades currently in the given status,
// newest first. Audit records in terminal states stay queryable forever.
func (d *DB) ListTradesByStatus(ctx context.Context, status escrow.Status) ([]escrow.Trade, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM trades WHERE status = ? ORDER BY created_at DESC`, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan trade id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trades := make([]escrow.Trade, 0, len(ids))
	for _, id := range ids {
		t, err := d.GetTrade(ctx, id)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, nil
}
