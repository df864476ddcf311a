package engine

import (
	"context"
	"database/sql"
	"math"

	"karmaline/internal/events"
)

const feeDenominator = 10000

func addChecked(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, SystemError{Msg: "balance overflow"}
	}
	return a + b, nil
}

// feeAmount computes amount*bps/10000, rejecting amounts whose fee
// multiplication would wrap.
func feeAmount(amount, bps int64) (int64, error) {
	if bps > 0 && amount > math.MaxInt64/bps {
		return 0, SystemError{Msg: "fee overflow"}
	}
	return amount * bps / feeDenominator, nil
}

// SystemError covers internal failures the caller cannot fix by changing
// input, such as arithmetic overflow.
type SystemError struct {
	Msg string
}

func (e SystemError) Error() string { return e.Msg }

// feeExempt reports whether the account does not participate in the
// reflection fee. The escrow account must be exempt too, otherwise a
// created-then-cancelled order could not refund the client in full.
func (e *Engine) feeExempt(account string) bool {
	return account == e.Config.Token.Treasury || account == e.Config.Token.Escrow
}

func (e *Engine) BalanceOf(ctx context.Context, account string) (int64, error) {
	return e.Repo.Balance(ctx, account)
}

func (e *Engine) TotalSupply(ctx context.Context) (int64, error) {
	return e.Repo.TotalSupply(ctx)
}

func (e *Engine) AllowanceOf(ctx context.Context, owner, spender string) (int64, error) {
	return e.Repo.Allowance(ctx, owner, spender)
}

// Transfer moves amount from one account to another, applying the
// reflection fee unless either party is fee-exempt.
func (e *Engine) Transfer(ctx context.Context, from, to string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.moveTokens(ctx, tx, from, to, amount); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "token.transfer", "account", from, from, events.EventPayload{
		"to": to, "amount": amount,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Approve grants spender permission to pull up to amount from owner.
// Setting zero revokes.
func (e *Engine) Approve(ctx context.Context, owner, spender string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	if amount < 0 {
		return validationf("allowance must not be negative")
	}
	if spender == "" {
		return validationf("spender required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetAllowance(ctx, tx, owner, spender, amount); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "token.approved", "account", owner, owner, events.EventPayload{
		"spender": spender, "amount": amount,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// TransferFrom moves amount from `from` to `to` on the authority of a prior
// approval to spender, decrementing the allowance by the full amount.
func (e *Engine) TransferFrom(ctx context.Context, spender, from, to string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.spendAllowance(ctx, tx, from, spender, amount); err != nil {
		return err
	}
	if err := e.moveTokens(ctx, tx, from, to, amount); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "token.transfer", "account", from, spender, events.EventPayload{
		"to": to, "amount": amount, "spender": spender,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) spendAllowance(ctx context.Context, tx *sql.Tx, owner, spender string, amount int64) error {
	if amount <= 0 {
		return validationf("amount must be positive")
	}
	allowance, err := e.Repo.AllowanceTx(ctx, tx, owner, spender)
	if err != nil {
		return err
	}
	if allowance < amount {
		return fundsf("allowance of %s for %s is %d, need %d", owner, spender, allowance, amount)
	}
	return e.Repo.SetAllowance(ctx, tx, owner, spender, allowance-amount)
}

// moveTokens is the single balance-mutation path. Debits from the full
// amount, credits to amount minus fee, credits the treasury the fee.
func (e *Engine) moveTokens(ctx context.Context, tx *sql.Tx, from, to string, amount int64) error {
	if amount <= 0 {
		return validationf("amount must be positive")
	}
	if from == "" || to == "" {
		return validationf("from and to accounts required")
	}
	fromBal, err := e.Repo.BalanceTx(ctx, tx, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fundsf("balance of %s is %d, need %d", from, fromBal, amount)
	}

	var fee int64
	if !e.feeExempt(from) && !e.feeExempt(to) {
		fee, err = feeAmount(amount, e.Config.Token.FeeRateBps)
		if err != nil {
			return err
		}
	}

	if err := e.Repo.SetBalance(ctx, tx, from, fromBal-amount); err != nil {
		return err
	}
	toBal, err := e.Repo.BalanceTx(ctx, tx, to)
	if err != nil {
		return err
	}
	toBal, err = addChecked(toBal, amount-fee)
	if err != nil {
		return err
	}
	if err := e.Repo.SetBalance(ctx, tx, to, toBal); err != nil {
		return err
	}
	if fee > 0 {
		treasuryBal, err := e.Repo.BalanceTx(ctx, tx, e.Config.Token.Treasury)
		if err != nil {
			return err
		}
		treasuryBal, err = addChecked(treasuryBal, fee)
		if err != nil {
			return err
		}
		if err := e.Repo.SetBalance(ctx, tx, e.Config.Token.Treasury, treasuryBal); err != nil {
			return err
		}
	}
	return nil
}
