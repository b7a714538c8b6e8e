// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps committed offsets and group snapshots in Postgres.
//
//	consumer_offsets(group_id, topic, partition, committed_offset, metadata, committed_at)
//	consumer_groups(group_id, snapshot jsonb, updated_at)
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore connects and ensures tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store := &PostgresStore{db: db, now: time.Now}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS consumer_offsets (
			group_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			partition INT NOT NULL,
			committed_offset BIGINT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			committed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (group_id, topic, partition)
		);`,
		`CREATE TABLE IF NOT EXISTS consumer_groups (
			group_id TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgresError("begin schema tx", err)
	}
	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			_ = tx.Rollback()
			return classifyPostgresError("ensure schema", err)
		}
	}
	return classifyPostgresError("commit schema tx", tx.Commit())
}

// classifyPostgresError maps connection-level failures onto ErrStoreUnavailable.
func classifyPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "08" {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CommitConsumerOffset upserts the committed offset.
func (p *PostgresStore) CommitConsumerOffset(ctx context.Context, group, topic string, partition int32, offset int64, metadata string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO consumer_offsets(group_id, topic, partition, committed_offset, metadata, committed_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (group_id, topic, partition) DO UPDATE
		SET committed_offset = EXCLUDED.committed_offset,
			metadata = EXCLUDED.metadata,
			committed_at = EXCLUDED.committed_at`,
		group, topic, partition, offset, metadata, p.now().UTC())
	return classifyPostgresError("commit consumer offset", err)
}

// FetchConsumerOffset implements OffsetStore.
func (p *PostgresStore) FetchConsumerOffset(ctx context.Context, group, topic string, partition int32) (StoredOffset, bool, error) {
	var stored StoredOffset
	err := p.db.QueryRowContext(ctx,
		`SELECT committed_offset, metadata, committed_at FROM consumer_offsets WHERE group_id=$1 AND topic=$2 AND partition=$3`,
		group, topic, partition).Scan(&stored.Offset, &stored.Metadata, &stored.CommittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredOffset{}, false, nil
	}
	if err != nil {
		return StoredOffset{}, false, classifyPostgresError("fetch consumer offset", err)
	}
	return stored, true, nil
}

// PutConsumerGroup implements GroupStore.
func (p *PostgresStore) PutConsumerGroup(ctx context.Context, group *ConsumerGroup) error {
	if group == nil || group.GroupID == "" {
		return ErrInvalidGroup
	}
	payload, err := EncodeConsumerGroup(group)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO consumer_groups(group_id, snapshot, updated_at) VALUES($1,$2,$3)
		ON CONFLICT (group_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		group.GroupID, payload, p.now().UTC())
	return classifyPostgresError("put consumer group", err)
}

// FetchConsumerGroup implements GroupStore.
func (p *PostgresStore) FetchConsumerGroup(ctx context.Context, groupID string) (*ConsumerGroup, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT snapshot FROM consumer_groups WHERE group_id=$1`, groupID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPostgresError("fetch consumer group", err)
	}
	return DecodeConsumerGroup(payload)
}

// DeleteConsumerGroup implements GroupStore.
func (p *PostgresStore) DeleteConsumerGroup(ctx context.Context, groupID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM consumer_groups WHERE group_id=$1`, groupID)
	return classifyPostgresError("delete consumer group", err)
}

// ListConsumerGroups implements GroupStore.
func (p *PostgresStore) ListConsumerGroups(ctx context.Context) ([]*ConsumerGroup, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT snapshot FROM consumer_groups ORDER BY group_id`)
	if err != nil {
		return nil, classifyPostgresError("list consumer groups", err)
	}
	defer rows.Close()
	groups := make([]*ConsumerGroup, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classifyPostgresError("scan consumer group", err)
		}
		group, err := DecodeConsumerGroup(payload)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, classifyPostgresError("iterate consumer groups", rows.Err())
}

// Ping implements Store.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return classifyPostgresError("ping postgres", p.db.PingContext(ctx))
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
