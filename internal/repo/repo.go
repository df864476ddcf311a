package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"karmaline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalIDs(ids []int64) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalIDs(raw sql.NullString) []int64 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var ids []int64
	_ = json.Unmarshal([]byte(raw.String), &ids)
	return ids
}

// --- profiles ---

func (r Repo) InsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	active := 0
	if p.IsActive {
		active = 1
	}
	company := 0
	if p.IsCompany {
		company = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO profiles(owner,is_company,is_active,metadata_uri,karma,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.Owner, company, active, nullable(p.MetadataURI), p.Karma, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProfile(row *sql.Row) (domain.Profile, error) {
	var p domain.Profile
	var company, active int
	var metadata sql.NullString
	err := row.Scan(&p.Owner, &company, &active, &metadata, &p.Karma, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.IsCompany = company != 0
	p.IsActive = active != 0
	if metadata.Valid {
		p.MetadataURI = metadata.String
	}
	return p, nil
}

func (r Repo) GetProfile(ctx context.Context, owner string) (domain.Profile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx,
		`SELECT owner,is_company,is_active,metadata_uri,karma,created_at,updated_at FROM profiles WHERE owner=?`, owner))
}

func (r Repo) HasProfile(ctx context.Context, owner string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM profiles WHERE owner=? LIMIT 1`, owner)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UpdateProfileMetadata(ctx context.Context, tx *sql.Tx, owner, metadataURI, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET metadata_uri=?, updated_at=? WHERE owner=?`,
		nullable(metadataURI), updatedAt, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeactivateProfile(ctx context.Context, tx *sql.Tx, owner, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET is_active=0, updated_at=? WHERE owner=?`, updatedAt, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProfileKarma(ctx context.Context, tx *sql.Tx, owner string, karma int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET karma=?, updated_at=? WHERE owner=?`, karma, updatedAt, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListProfiles(ctx context.Context, companiesOnly, activeOnly bool) ([]domain.Profile, error) {
	query := `SELECT owner,is_company,is_active,metadata_uri,karma,created_at,updated_at FROM profiles`
	var clauses []string
	if companiesOnly {
		clauses = append(clauses, "is_company=1")
	}
	if activeOnly {
		clauses = append(clauses, "is_active=1")
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, owner"
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Profile
	for rows.Next() {
		var p domain.Profile
		var company, active int
		var metadata sql.NullString
		if err := rows.Scan(&p.Owner, &company, &active, &metadata, &p.Karma, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.IsCompany = company != 0
		p.IsActive = active != 0
		if metadata.Valid {
			p.MetadataURI = metadata.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- skill catalog ---

func (r Repo) InsertSkill(ctx context.Context, tx *sql.Tx, name, category string) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO skills(name,category,is_active) VALUES (?,?,1)`, name, nullable(category))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetSkill(ctx context.Context, id int64) (domain.Skill, error) {
	var s domain.Skill
	var category sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,category,is_active FROM skills WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &category, &active)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if category.Valid {
		s.Category = category.String
	}
	s.IsActive = active != 0
	return s, nil
}

func (r Repo) SetSkillActive(ctx context.Context, tx *sql.Tx, id int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE skills SET is_active=? WHERE id=?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSkills(ctx context.Context, activeOnly bool) ([]domain.Skill, error) {
	query := `SELECT id,name,category,is_active FROM skills`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Skill
	for rows.Next() {
		var s domain.Skill
		var category sql.NullString
		var active int
		if err := rows.Scan(&s.ID, &s.Name, &category, &active); err != nil {
			return nil, err
		}
		if category.Valid {
			s.Category = category.String
		}
		s.IsActive = active != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- skill declarations ---

func (r Repo) InsertDeclaredSkill(ctx context.Context, tx *sql.Tx, d domain.DeclaredSkill) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO declared_skills(professional,skill_id,declared_level,declared_at) VALUES (?,?,?,?)`,
		d.Professional, d.SkillID, int(d.DeclaredLevel), d.DeclaredAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) HasDeclaredSkill(ctx context.Context, professional string, skillID int64) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM declared_skills WHERE professional=? AND skill_id=? LIMIT 1`, professional, skillID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListDeclaredSkills(ctx context.Context, professional string) ([]domain.DeclaredSkill, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,professional,skill_id,declared_level,declared_at FROM declared_skills WHERE professional=? ORDER BY id`, professional)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeclaredSkill
	for rows.Next() {
		var d domain.DeclaredSkill
		var level int
		if err := rows.Scan(&d.ID, &d.Professional, &d.SkillID, &level, &d.DeclaredAt); err != nil {
			return nil, err
		}
		d.DeclaredLevel = domain.SkillLevel(level)
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestDeclaredSkills returns only the most recent declaration per skill.
// Declarations are additive, so a professional may hold several rows for one
// skill; clients usually want the newest.
func (r Repo) LatestDeclaredSkills(ctx context.Context, professional string) ([]domain.DeclaredSkill, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT id,professional,skill_id,declared_level,declared_at FROM declared_skills
WHERE professional=? AND id IN (
    SELECT MAX(id) FROM declared_skills WHERE professional=? GROUP BY skill_id
)
ORDER BY skill_id`, professional, professional)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeclaredSkill
	for rows.Next() {
		var d domain.DeclaredSkill
		var level int
		if err := rows.Scan(&d.ID, &d.Professional, &d.SkillID, &level, &d.DeclaredAt); err != nil {
			return nil, err
		}
		d.DeclaredLevel = domain.SkillLevel(level)
		res = append(res, d)
	}
	return res, rows.Err()
}

// DeclaredSkillIDs returns the distinct skill ids a professional has declared.
func (r Repo) DeclaredSkillIDs(ctx context.Context, professional string) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT skill_id FROM declared_skills WHERE professional=? ORDER BY skill_id`, professional)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- skill validations ---

// UpsertValidation records or overwrites this validator's assertion for the
// (professional, skill) pair.
func (r Repo) UpsertValidation(ctx context.Context, tx *sql.Tx, v domain.SkillValidation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO skill_validations(professional,skill_id,validator,asserted_level,validated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(professional,skill_id,validator) DO UPDATE SET asserted_level=excluded.asserted_level, validated_at=excluded.validated_at`,
		v.Professional, v.SkillID, v.Validator, int(v.AssertedLevel), v.ValidatedAt)
	return err
}

func (r Repo) ListValidations(ctx context.Context, professional string, skillID int64) ([]domain.SkillValidation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT professional,skill_id,validator,asserted_level,validated_at FROM skill_validations
WHERE professional=? AND skill_id=? ORDER BY validated_at, validator`, professional, skillID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SkillValidation
	for rows.Next() {
		var v domain.SkillValidation
		var level int
		if err := rows.Scan(&v.Professional, &v.SkillID, &v.Validator, &level, &v.ValidatedAt); err != nil {
			return nil, err
		}
		v.AssertedLevel = domain.SkillLevel(level)
		res = append(res, v)
	}
	return res, rows.Err()
}

// ValidationLevels returns every asserted level recorded against the
// professional for the skill. Input to the karma mean.
func (r Repo) ValidationLevels(ctx context.Context, professional string, skillID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT asserted_level FROM skill_validations WHERE professional=? AND skill_id=?`, professional, skillID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []int64
	for rows.Next() {
		var l int64
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// ValidatedSkillIDs returns the distinct skills with at least one validation
// recorded against the professional.
func (r Repo) ValidatedSkillIDs(ctx context.Context, professional string) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT skill_id FROM skill_validations WHERE professional=? ORDER BY skill_id`, professional)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
