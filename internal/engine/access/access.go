// Package access implements the role and pause kernel consumed by every
// mutating engine operation. Role and pause checks run before any other
// precondition, so an unauthorized or paused call never has partial effects.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"karmaline/internal/domain"
)

// ErrSystemPaused gates every mutating operation while the system is paused.
var ErrSystemPaused = errors.New("system paused")

// ForbiddenRoleError indicates the caller lacks a required role.
type ForbiddenRoleError struct {
	Role    string
	Account string
}

func (e ForbiddenRoleError) Error() string {
	return fmt.Sprintf("account %s lacks role %s", e.Account, e.Role)
}

// Service provides role membership and pause gating backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) HasRole(ctx context.Context, account, role string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM account_roles WHERE account=? AND role=? LIMIT 1`, account, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireRole fails with ForbiddenRoleError unless the account holds the role.
func (s Service) RequireRole(ctx context.Context, account, role string) error {
	ok, err := s.HasRole(ctx, account, role)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenRoleError{Role: role, Account: account}
	}
	return nil
}

// GrantRole is idempotent: granting a role twice is a no-op.
func (s Service) GrantRole(ctx context.Context, tx *sql.Tx, account, role, grantedBy string) error {
	if account == "" {
		return errors.New("account required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO account_roles(account, role, granted_by, granted_at) VALUES (?,?,?,?)`,
		account, role, grantedBy, now)
	return err
}

func (s Service) RevokeRole(ctx context.Context, tx *sql.Tx, account, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM account_roles WHERE account=? AND role=?`, account, role)
	return err
}

func (s Service) AccountRoles(ctx context.Context, account string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role FROM account_roles WHERE account=? ORDER BY role`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) RoleMembers(ctx context.Context, role string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT account FROM account_roles WHERE role=? ORDER BY account`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s Service) Paused(ctx context.Context) (bool, error) {
	var paused int
	err := s.DB.QueryRowContext(ctx, `SELECT paused FROM system_state WHERE id=1`).Scan(&paused)
	if err != nil {
		return false, err
	}
	return paused != 0, nil
}

// RequireRunning fails with ErrSystemPaused while paused.
func (s Service) RequireRunning(ctx context.Context) error {
	paused, err := s.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return ErrSystemPaused
	}
	return nil
}

func (s Service) SetPaused(ctx context.Context, tx *sql.Tx, paused bool) error {
	v := 0
	if paused {
		v = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE system_state SET paused=? WHERE id=1`, v)
	return err
}

// Bootstrap seeds the configured super admins. Only SUPER_ADMIN holders can
// grant roles afterwards, so at least one must exist from the start.
func (s Service) Bootstrap(ctx context.Context, tx *sql.Tx, superAdmins []string) error {
	for _, a := range superAdmins {
		if err := s.GrantRole(ctx, tx, a, domain.RoleSuperAdmin, "bootstrap"); err != nil {
			return err
		}
	}
	return nil
}
