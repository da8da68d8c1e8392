package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SQLSyncStateRepository persists CRM sync snapshots via database/sql.
type SQLSyncStateRepository struct {
	db *sql.DB
}

func NewSQLSyncStateRepository(db *sql.DB) *SQLSyncStateRepository {
	return &SQLSyncStateRepository{db: db}
}

var _ SyncStateRepository = (*SQLSyncStateRepository)(nil)

func (r *SQLSyncStateRepository) Get(ctx context.Context, leadID string) (*SyncSnapshot, error) {
	var (
		snap      SyncSnapshot
		stage     string
		rawFields []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT stage, tags, fields, synced_at
		FROM crm_sync_state WHERE lead_id = $1`, leadID).Scan(
		&stage, pq.Array(&snap.Tags), &rawFields, &snap.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load sync state: %w", err)
	}
	snap.Stage = Stage(stage)
	if snap.Tags == nil {
		snap.Tags = []string{}
	}
	if len(rawFields) > 0 {
		if err := json.Unmarshal(rawFields, &snap.Fields); err != nil {
			return nil, fmt.Errorf("store: failed to decode sync fields: %w", err)
		}
	}
	if snap.Fields == nil {
		snap.Fields = map[string]string{}
	}
	return &snap, nil
}

func (r *SQLSyncStateRepository) Put(ctx context.Context, leadID string, snap SyncSnapshot) error {
	if snap.SyncedAt.IsZero() {
		snap.SyncedAt = time.Now().UTC()
	}
	rawFields, err := marshalFields(snap.Fields)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO crm_sync_state (lead_id, stage, tags, fields, synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lead_id) DO UPDATE SET
		    stage=EXCLUDED.stage, tags=EXCLUDED.tags, fields=EXCLUDED.fields, synced_at=EXCLUDED.synced_at`,
		leadID, string(snap.Stage), pq.Array(tagsOrEmpty(snap.Tags)), rawFields, snap.SyncedAt)
	if err != nil {
		return fmt.Errorf("store: failed to save sync state: %w", err)
	}
	return nil
}
