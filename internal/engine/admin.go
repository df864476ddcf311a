package engine

import (
	"context"

	"karmaline/internal/domain"
	"karmaline/internal/events"
)

var knownRoles = map[string]bool{
	domain.RoleSuperAdmin:   true,
	domain.RoleAdmin:        true,
	domain.RoleFeeManager:   true,
	domain.RoleKarmaManager: true,
}

// GrantRole assigns a role to an account. SUPER_ADMIN only; granting a role
// the account already holds is a no-op.
func (e *Engine) GrantRole(ctx context.Context, caller, account, role string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRole(ctx, caller, domain.RoleSuperAdmin); err != nil {
		return err
	}
	if !knownRoles[role] {
		return validationf("unknown role %q", role)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Access.GrantRole(ctx, tx, account, role, caller); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", "account", account, caller, events.EventPayload{
		"role": role,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role from an account. SUPER_ADMIN only.
func (e *Engine) RevokeRole(ctx context.Context, caller, account, role string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRole(ctx, caller, domain.RoleSuperAdmin); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Access.RevokeRole(ctx, tx, account, role); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", "account", account, caller, events.EventPayload{
		"role": role,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Pause stops all mutating operations until Unpause. ADMIN only. The pause
// and unpause operations themselves stay available while paused.
func (e *Engine) Pause(ctx context.Context, caller string) error {
	return e.setPaused(ctx, caller, true, "system.paused")
}

func (e *Engine) Unpause(ctx context.Context, caller string) error {
	return e.setPaused(ctx, caller, false, "system.unpaused")
}

func (e *Engine) setPaused(ctx context.Context, caller string, paused bool, evtType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRole(ctx, caller, domain.RoleAdmin); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Access.SetPaused(ctx, tx, paused); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "system", "", caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

const maxPlatformFeeBps = 1000

// UpdatePlatformFee sets the marketplace fee taken on completed orders.
// FEE_MANAGER only, capped at 10%.
func (e *Engine) UpdatePlatformFee(ctx context.Context, caller string, bps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRole(ctx, caller, domain.RoleFeeManager); err != nil {
		return err
	}
	if bps < 0 {
		return validationf("fee bps must not be negative")
	}
	if bps > maxPlatformFeeBps {
		return validationf("fee %d bps exceeds the %d bps cap", bps, maxPlatformFeeBps)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetPlatformFeeBps(ctx, tx, bps); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "system.fee_updated", "system", "", caller, events.EventPayload{
		"platform_fee_bps": bps,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
