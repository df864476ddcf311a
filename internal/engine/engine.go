// Package engine implements the authoritative state machine: the token
// ledger, profiles, skill karma, time attestation and the escrowed service
// marketplace. Every mutating operation runs inside one SQL transaction and
// appends its events in the same transaction, so readers never observe a
// mutation without its event or the other way round.
package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"karmaline/internal/config"
	"karmaline/internal/engine/access"
	"karmaline/internal/events"
	"karmaline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Access access.Service
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// mu serializes mutating operations. SQLite allows one writer at a
	// time anyway; taking the lock up front turns busy errors into
	// ordinary queueing.
	mu sync.Mutex
}

func New(conn *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Access: access.Service{DB: conn},
		Events: events.Writer{DB: conn, Now: time.Now},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

// Init seeds a fresh database: mints the initial supply to the treasury,
// records the platform fee and grants SUPER_ADMIN to the configured
// accounts. Idempotent: a second call is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	done, err := e.Repo.Initialized(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now()
	if err := e.Repo.MarkInitialized(ctx, tx, e.Config.Escrow.PlatformFeeBps, now); err != nil {
		return err
	}
	if err := e.Repo.SetBalance(ctx, tx, e.Config.Token.Treasury, e.Config.Token.InitialSupply); err != nil {
		return err
	}
	if err := e.Access.Bootstrap(ctx, tx, e.Config.Roles.SuperAdmins); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "system.initialized", "system", "", "", events.EventPayload{
		"symbol":         e.Config.Token.Symbol,
		"initial_supply": e.Config.Token.InitialSupply,
		"treasury":       e.Config.Token.Treasury,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// BootstrapRoles re-grants the configured super admins. Idempotent; used
// when super_admins changes after the ledger was initialized.
func (e *Engine) BootstrapRoles(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Access.Bootstrap(ctx, tx, e.Config.Roles.SuperAdmins); err != nil {
		return err
	}
	return tx.Commit()
}
