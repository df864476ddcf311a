package engine

import (
	"context"
	"strconv"

	"karmaline/internal/domain"
	"karmaline/internal/events"
	"karmaline/internal/repo"
)

// CreateSkill appends a skill to the catalog. ADMIN only.
func (e *Engine) CreateSkill(ctx context.Context, caller, name, category string) (domain.Skill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s domain.Skill
	if err := e.Access.RequireRunning(ctx); err != nil {
		return s, err
	}
	if err := e.Access.RequireRole(ctx, caller, domain.RoleAdmin); err != nil {
		return s, err
	}
	if name == "" {
		return s, validationf("skill name required")
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertSkill(ctx, tx, name, category)
	if err != nil {
		return s, err
	}
	s = domain.Skill{ID: id, Name: name, Category: category, IsActive: true}
	if err := e.Events.Append(ctx, tx, "skill.created", "skill", strconv.FormatInt(id, 10), caller, events.EventPayload{
		"name": name, "category": category,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// SetSkillActive flips catalog availability. ADMIN only. Inactive skills
// cannot receive new declarations; existing declarations stand.
func (e *Engine) SetSkillActive(ctx context.Context, caller string, skillID int64, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	if err := e.Access.RequireRole(ctx, caller, domain.RoleAdmin); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetSkillActive(ctx, tx, skillID, active); err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "skill", ID: strconv.FormatInt(skillID, 10)}
		}
		return err
	}
	evt := "skill.deactivated"
	if active {
		evt = "skill.activated"
	}
	if err := e.Events.Append(ctx, tx, evt, "skill", strconv.FormatInt(skillID, 10), caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// DeclareSkill appends a declaration for the professional. Re-declaring the
// same skill is additive, not an update.
func (e *Engine) DeclareSkill(ctx context.Context, professional string, skillID int64, level domain.SkillLevel) (domain.DeclaredSkill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var d domain.DeclaredSkill
	if err := e.Access.RequireRunning(ctx); err != nil {
		return d, err
	}
	if !level.Valid() {
		return d, validationf("level %d outside the valid range", level)
	}
	skill, err := e.Repo.GetSkill(ctx, skillID)
	if err != nil {
		if err == repo.ErrNotFound {
			return d, NotFoundError{Kind: "skill", ID: strconv.FormatInt(skillID, 10)}
		}
		return d, err
	}
	if !skill.IsActive {
		return d, NotFoundError{Kind: "skill", ID: strconv.FormatInt(skillID, 10)}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	d = domain.DeclaredSkill{
		Professional:  professional,
		SkillID:       skillID,
		DeclaredLevel: level,
		DeclaredAt:    e.now(),
	}
	d.ID, err = e.Repo.InsertDeclaredSkill(ctx, tx, d)
	if err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "skill.declared", "skill", strconv.FormatInt(skillID, 10), professional, events.EventPayload{
		"level": int(level),
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

// ValidateSkill records the validator's assertion for a professional's
// declared skill. Re-asserting overwrites the validator's prior level.
func (e *Engine) ValidateSkill(ctx context.Context, validator, professional string, skillID int64, level domain.SkillLevel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	if !level.Valid() {
		return validationf("level %d outside the valid range", level)
	}
	declared, err := e.Repo.HasDeclaredSkill(ctx, professional, skillID)
	if err != nil {
		return err
	}
	if !declared {
		return statef("%s has not declared skill %d", professional, skillID)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v := domain.SkillValidation{
		Professional:  professional,
		SkillID:       skillID,
		Validator:     validator,
		AssertedLevel: level,
		ValidatedAt:   e.now(),
	}
	if err := e.Repo.UpsertValidation(ctx, tx, v); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "skill.validated", "skill", strconv.FormatInt(skillID, 10), validator, events.EventPayload{
		"professional": professional, "level": int(level),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// KarmaFor returns the rounded mean of asserted levels over all validators
// of the (professional, skill) pair, zero when nobody has validated.
// Rounding is half-up: (3+4)/2 gives 4.
func (e *Engine) KarmaFor(ctx context.Context, professional string, skillID int64) (int64, error) {
	levels, err := e.Repo.ValidationLevels(ctx, professional, skillID)
	if err != nil {
		return 0, err
	}
	return roundedMean(levels), nil
}

func roundedMean(levels []int64) int64 {
	if len(levels) == 0 {
		return 0
	}
	var sum int64
	for _, l := range levels {
		sum += l
	}
	n := int64(len(levels))
	return (sum + n/2) / n
}

// TotalKarma sums KarmaFor over every skill with at least one validation.
func (e *Engine) TotalKarma(ctx context.Context, professional string) (int64, error) {
	return e.totalKarma(ctx, professional)
}

func (e *Engine) totalKarma(ctx context.Context, professional string) (int64, error) {
	ids, err := e.Repo.ValidatedSkillIDs(ctx, professional)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		levels, err := e.Repo.ValidationLevels(ctx, professional, id)
		if err != nil {
			return 0, err
		}
		total += roundedMean(levels)
	}
	return total, nil
}
