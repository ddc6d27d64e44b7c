// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cluster"
)

// PostgresStore is the production Store, backed by two tables: one for
// cluster records (handle stored as jsonb) and one for generated
// provider configs.
type PostgresStore struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

func NewPostgresStore(db *sqlx.DB, logger logrus.FieldLogger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// SetupSchema creates the tables if they do not exist.
func (ps *PostgresStore) SetupSchema(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS clusters (
			name text PRIMARY KEY,
			handle jsonb NOT NULL,
			status text NOT NULL,
			ever_up boolean NOT NULL DEFAULT false,
			config_hash text NOT NULL DEFAULT '',
			updated_at timestamptz NOT NULL DEFAULT now())`,
		`ALTER TABLE clusters ADD COLUMN IF NOT EXISTS config_hash text NOT NULL DEFAULT ''`,
		`CREATE TABLE IF NOT EXISTS cluster_configs (
			name text PRIMARY KEY,
			config bytea NOT NULL)`,
	} {
		if _, err := ps.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setup schema: %w", err)
		}
	}
	return nil
}

type clusterRow struct {
	Name       string    `db:"name"`
	Handle     []byte    `db:"handle"`
	Status     string    `db:"status"`
	EverUp     bool      `db:"ever_up"`
	ConfigHash string    `db:"config_hash"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (row clusterRow) record() (*ClusterRecord, error) {
	h, err := cluster.LoadHandle(row.Handle)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", row.Name, err)
	}
	return &ClusterRecord{
		Name:       row.Name,
		Handle:     h,
		Status:     ClusterStatus(row.Status),
		UpdatedAt:  row.UpdatedAt,
		EverUp:     row.EverUp,
		ConfigHash: row.ConfigHash,
	}, nil
}

func (ps *PostgresStore) GetCluster(ctx context.Context, name string) (*ClusterRecord, error) {
	var row clusterRow
	err := ps.db.GetContext(ctx, &row, `SELECT name, handle, status, ever_up, config_hash, updated_at FROM clusters WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return row.record()
}

func (ps *PostgresStore) PutCluster(ctx context.Context, name string, h *cluster.Handle, status ClusterStatus) error {
	buf, err := h.Encode()
	if err != nil {
		return err
	}
	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO clusters (name, handle, status, ever_up, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE
		SET handle = EXCLUDED.handle,
		    status = EXCLUDED.status,
		    ever_up = clusters.ever_up OR EXCLUDED.ever_up,
		    updated_at = now()`,
		name, buf, string(status), status == StatusUp)
	return err
}

func (ps *PostgresStore) DeleteCluster(ctx context.Context, name string) error {
	if _, err := ps.db.ExecContext(ctx, `DELETE FROM cluster_configs WHERE name = $1`, name); err != nil {
		return err
	}
	_, err := ps.db.ExecContext(ctx, `DELETE FROM clusters WHERE name = $1`, name)
	return err
}

func (ps *PostgresStore) GetClusterConfig(ctx context.Context, name string) ([]byte, error) {
	var config []byte
	err := ps.db.GetContext(ctx, &config, `SELECT config FROM cluster_configs WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return config, nil
}

func (ps *PostgresStore) PutClusterConfig(ctx context.Context, name string, config []byte) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO cluster_configs (name, config) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET config = EXCLUDED.config`,
		name, config)
	return err
}

func (ps *PostgresStore) SetConfigHash(ctx context.Context, name, hash string) error {
	res, err := ps.db.ExecContext(ctx, `UPDATE clusters SET config_hash = $2 WHERE name = $1`, name, hash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) ListClusters(ctx context.Context) ([]ClusterRecord, error) {
	var rows []clusterRow
	err := ps.db.SelectContext(ctx, &rows, `SELECT name, handle, status, ever_up, config_hash, updated_at FROM clusters ORDER BY name`)
	if err != nil {
		return nil, err
	}
	recs := make([]ClusterRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			// A corrupt row should not hide the others.
			ps.logger.WithError(err).WithField("Cluster", row.Name).Error("skipping undecodable cluster record")
			continue
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}
