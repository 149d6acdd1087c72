package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
)

// InventoryRecord is one agent in the persistent inventory. Active holds the
// identity record the agent last registered with; nil means inactive.
type InventoryRecord struct {
	MercuryID string         `json:"mercury_id"`
	Active    map[string]any `json:"active"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Patch is the update applied by UpdateOne. A nil Active clears the flag.
type Patch struct {
	Active map[string]any
}

// UpdateOne upserts the inventory record for mercuryID.
func (s *Store) UpdateOne(ctx context.Context, mercuryID string, patch Patch) error {
	var active any
	if patch.Active != nil {
		blob, err := codec.Marshal(patch.Active)
		if err != nil {
			return fmt.Errorf("encode active record: %w", err)
		}
		active = blob
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (mercury_id, active, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (mercury_id) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at`,
		mercuryID, active, unixSeconds(s.now()))
	if err != nil {
		return fmt.Errorf("update inventory %s: %w", mercuryID, err)
	}
	return nil
}

// QueryActive returns every record whose active flag is set. A record whose
// blob no longer decodes is returned with a nil Active.
func (s *Store) QueryActive(ctx context.Context) ([]InventoryRecord, error) {
	return s.queryInventory(ctx, `SELECT mercury_id, active, updated_at FROM inventory WHERE active IS NOT NULL ORDER BY mercury_id`)
}

// ListInventory returns all records, active or not.
func (s *Store) ListInventory(ctx context.Context) ([]InventoryRecord, error) {
	return s.queryInventory(ctx, `SELECT mercury_id, active, updated_at FROM inventory ORDER BY mercury_id`)
}

func (s *Store) queryInventory(ctx context.Context, query string) ([]InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var out []InventoryRecord
	for rows.Next() {
		var (
			rec     InventoryRecord
			blob    []byte
			updated sql.NullFloat64
		)
		if err := rows.Scan(&rec.MercuryID, &blob, &updated); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		rec.UpdatedAt = fromUnixSeconds(updated)
		if blob != nil {
			msg, err := codec.Decode(blob)
			if err != nil {
				log.Warn().Err(err).Str("mercury_id", rec.MercuryID).Msg("Undecodable inventory record")
			} else {
				rec.Active = msg
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
