package engine

import (
	"context"

	"karmaline/internal/domain"
	"karmaline/internal/events"
	"karmaline/internal/repo"
)

// RegisterProfile creates the owner's profile. One profile per account.
func (e *Engine) RegisterProfile(ctx context.Context, owner string, isCompany bool, metadataURI string) (domain.Profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var p domain.Profile
	if err := e.Access.RequireRunning(ctx); err != nil {
		return p, err
	}
	if owner == "" {
		return p, validationf("owner account required")
	}
	exists, err := e.Repo.HasProfile(ctx, owner)
	if err != nil {
		return p, err
	}
	if exists {
		return p, ConflictError{Msg: "profile for " + owner + " already exists"}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	now := e.now()
	p = domain.Profile{
		Owner:       owner,
		IsCompany:   isCompany,
		IsActive:    true,
		MetadataURI: metadataURI,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertProfile(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "profile.registered", "profile", owner, owner, events.EventPayload{
		"is_company": isCompany,
	}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// UpdateProfile replaces the owner's metadata URI.
func (e *Engine) UpdateProfile(ctx context.Context, owner, metadataURI string) error {
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

	if err := e.Repo.UpdateProfileMetadata(ctx, tx, owner, metadataURI, e.now()); err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "profile", ID: owner}
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "profile.updated", "profile", owner, owner, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// DeactivateProfile marks the profile inactive. Terminal, and idempotent:
// deactivating twice succeeds without a second event.
func (e *Engine) DeactivateProfile(ctx context.Context, owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	p, err := e.Repo.GetProfile(ctx, owner)
	if err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "profile", ID: owner}
		}
		return err
	}
	if !p.IsActive {
		return nil
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeactivateProfile(ctx, tx, owner, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "profile.deactivated", "profile", owner, owner, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetKarma overwrites the cached karma snapshot on a profile.
// KARMA_MANAGER only.
func (e *Engine) SetKarma(ctx context.Context, caller, owner string, karma int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	if err := e.Access.RequireRole(ctx, caller, domain.RoleKarmaManager); err != nil {
		return err
	}
	if karma < 0 {
		return validationf("karma must not be negative")
	}
	return e.writeKarma(ctx, caller, owner, karma)
}

// SyncKarma recomputes total karma from the validation store and writes it
// into the profile snapshot. KARMA_MANAGER only.
func (e *Engine) SyncKarma(ctx context.Context, caller, owner string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return 0, err
	}
	if err := e.Access.RequireRole(ctx, caller, domain.RoleKarmaManager); err != nil {
		return 0, err
	}
	total, err := e.totalKarma(ctx, owner)
	if err != nil {
		return 0, err
	}
	return total, e.writeKarma(ctx, caller, owner, total)
}

func (e *Engine) writeKarma(ctx context.Context, caller, owner string, karma int64) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetProfileKarma(ctx, tx, owner, karma, e.now()); err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "profile", ID: owner}
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "profile.karma_set", "profile", owner, caller, events.EventPayload{
		"karma": karma,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
