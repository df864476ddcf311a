package repo

import (
	"context"
	"database/sql"
)

// Balance and allowance reads come in tx and non-tx flavors: the engine
// reads inside its write transaction, queries and the HTTP layer read
// directly.

func (r Repo) Balance(ctx context.Context, account string) (int64, error) {
	return balanceQuery(ctx, r.DB.QueryRowContext, account)
}

func (r Repo) BalanceTx(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	return balanceQuery(ctx, tx.QueryRowContext, account)
}

func balanceQuery(ctx context.Context, queryRow func(context.Context, string, ...any) *sql.Row, account string) (int64, error) {
	var amount int64
	err := queryRow(ctx, `SELECT amount FROM balances WHERE account=?`, account).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

func (r Repo) SetBalance(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	if amount == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE account=?`, account)
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO balances(account,amount) VALUES (?,?)
ON CONFLICT(account) DO UPDATE SET amount=excluded.amount`, account, amount)
	return err
}

func (r Repo) TotalSupply(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(amount) FROM balances`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (r Repo) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	return allowanceQuery(ctx, r.DB.QueryRowContext, owner, spender)
}

func (r Repo) AllowanceTx(ctx context.Context, tx *sql.Tx, owner, spender string) (int64, error) {
	return allowanceQuery(ctx, tx.QueryRowContext, owner, spender)
}

func allowanceQuery(ctx context.Context, queryRow func(context.Context, string, ...any) *sql.Row, owner, spender string) (int64, error) {
	var amount int64
	err := queryRow(ctx, `SELECT amount FROM allowances WHERE owner=? AND spender=?`, owner, spender).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

func (r Repo) SetAllowance(ctx context.Context, tx *sql.Tx, owner, spender string, amount int64) error {
	if amount == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM allowances WHERE owner=? AND spender=?`, owner, spender)
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO allowances(owner,spender,amount) VALUES (?,?,?)
ON CONFLICT(owner,spender) DO UPDATE SET amount=excluded.amount`, owner, spender, amount)
	return err
}

// --- system state ---

func (r Repo) PlatformFeeBps(ctx context.Context) (int64, error) {
	var bps int64
	err := r.DB.QueryRowContext(ctx, `SELECT platform_fee_bps FROM system_state WHERE id=1`).Scan(&bps)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return bps, err
}

func (r Repo) PlatformFeeBpsTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var bps int64
	err := tx.QueryRowContext(ctx, `SELECT platform_fee_bps FROM system_state WHERE id=1`).Scan(&bps)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return bps, err
}

func (r Repo) SetPlatformFeeBps(ctx context.Context, tx *sql.Tx, bps int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE system_state SET platform_fee_bps=? WHERE id=1`, bps)
	return err
}

// Initialized reports whether the ledger has been set up. The migration
// seeds the system_state row with initialized_at NULL; init fills it in.
func (r Repo) Initialized(ctx context.Context) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM system_state WHERE id=1 AND initialized_at IS NOT NULL`).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) MarkInitialized(ctx context.Context, tx *sql.Tx, platformFeeBps int64, initializedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE system_state SET platform_fee_bps=?, initialized_at=? WHERE id=1`,
		platformFeeBps, initializedAt)
	return err
}
