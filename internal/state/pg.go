package state

import (
	"context"

	"github.com/arafuse/CryptoWatcher/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PgStore persists checkpoints to Postgres through the transaction manager.
type PgStore struct {
	tm db.TxManager
}

func NewPgStore(ctx context.Context, tm db.TxManager) (*PgStore, error) {
	store := &PgStore{tm: tm}

	err := tm.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, createTableSQL)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to ensure checkpoints table")
	}

	return store, nil
}

func (s *PgStore) Save(ctx context.Context, key string, value interface{}) error {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint %s", key)
	}

	return s.tm.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx,
			`INSERT INTO checkpoints (key, value, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`,
			key, raw)
		return err
	})
}

func (s *PgStore) Load(ctx context.Context, key string, dest interface{}) (bool, error) {
	var raw []byte
	err := s.tm.Conn().QueryRow(ctx, `SELECT value FROM checkpoints WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to load checkpoint %s", key)
	}

	if err := sonic.Unmarshal(raw, dest); err != nil {
		return false, errors.Wrapf(err, "failed to decode checkpoint %s", key)
	}
	return true, nil
}

func (s *PgStore) Delete(ctx context.Context, key string) error {
	return s.tm.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, `DELETE FROM checkpoints WHERE key = $1`, key)
		return err
	})
}
