package credential

import (
	"context"
	"database/sql"
	"errors"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/storage/database"
	"ChainTrader/internal/web3"
)

// SQLBackend 将代理保存在 agents 表中，兼容 MySQL 与 SQLite。
type SQLBackend struct {
	db *sql.DB
}

// OpenSQLBackend 打开数据库并执行迁移。
func OpenSQLBackend(ctx context.Context, cfg database.Config) (*SQLBackend, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open credential database")
	}
	return &SQLBackend{db: db}, nil
}

func (b *SQLBackend) Insert(ctx context.Context, rec Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin insert")
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, rec.ID).Scan(&one)
	switch {
	case err == nil:
		return ErrDuplicateID
	case !errors.Is(err, sql.ErrNoRows):
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "check agent id")
	}

	sealed := 0
	if rec.Sealed {
		sealed = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agents (id, address, signing_material, sealed, network, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Address, rec.SigningMaterial, sealed, string(rec.Network), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	); err != nil {
		if database.IsDuplicateKey(err) {
			return ErrDuplicateID
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert agent")
	}
	if err := tx.Commit(); err != nil {
		if database.IsDuplicateKey(err) {
			return ErrDuplicateID
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit agent")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		out              Record
		created, updated int64
		sealed           int
		network          string
	)
	if err := row.Scan(&out.ID, &out.Address, &out.SigningMaterial, &sealed, &network, &created, &updated); err != nil {
		return Record{}, err
	}
	out.Sealed = sealed != 0
	out.Network = web3.Network(network)
	out.CreatedAt = time.UnixMilli(created).UTC()
	out.UpdatedAt = time.UnixMilli(updated).UTC()
	return out, nil
}

func (b *SQLBackend) Get(ctx context.Context, id string) (Record, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, address, signing_material, sealed, network, created_at, updated_at FROM agents WHERE id = ?`, id)
	out, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load agent")
	}
	return out, nil
}

func (b *SQLBackend) UpdateNetwork(ctx context.Context, id string, network web3.Network, at time.Time) error {
	res, err := b.db.ExecContext(ctx, `UPDATE agents SET network = ?, updated_at = ? WHERE id = ?`, string(network), at.UnixMilli(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update agent network")
	}
	return expectOneRow(res)
}

func (b *SQLBackend) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete agent")
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLBackend) List(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, address, signing_material, sealed, network, created_at, updated_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list agents")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan agent")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate agents")
	}
	return out, nil
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}
