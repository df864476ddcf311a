package repo

import (
	"context"
	"database/sql"

	"karmaline/internal/domain"
)

func (r Repo) InsertTimeRecord(ctx context.Context, tx *sql.Tx, rec domain.TimeRecord) (int64, error) {
	ids, err := marshalIDs(rec.SkillIDs)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO time_records(employee,company,start_time,end_time,description,skill_ids_json,status,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		rec.Employee, rec.Company, rec.StartTime, rec.EndTime, nullable(rec.Description), ids, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanTimeRecord(scan func(...any) error) (domain.TimeRecord, error) {
	var rec domain.TimeRecord
	var description, skillIDs sql.NullString
	var status string
	err := scan(&rec.ID, &rec.Employee, &rec.Company, &rec.StartTime, &rec.EndTime, &description, &skillIDs, &status, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	if description.Valid {
		rec.Description = description.String
	}
	rec.SkillIDs = unmarshalIDs(skillIDs)
	rec.Status = domain.TimeRecordStatus(status)
	return rec, nil
}

const timeRecordCols = `id,employee,company,start_time,end_time,description,skill_ids_json,status,created_at`

func (r Repo) GetTimeRecord(ctx context.Context, id int64) (domain.TimeRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+timeRecordCols+` FROM time_records WHERE id=?`, id)
	rec, err := scanTimeRecord(row.Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) GetTimeRecordTx(ctx context.Context, tx *sql.Tx, id int64) (domain.TimeRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+timeRecordCols+` FROM time_records WHERE id=?`, id)
	rec, err := scanTimeRecord(row.Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) SetTimeRecordStatus(ctx context.Context, tx *sql.Tx, id int64, status domain.TimeRecordStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE time_records SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TimeRecordFilter narrows ListTimeRecords. Zero values mean "any".
type TimeRecordFilter struct {
	Employee string
	Company  string
	Status   domain.TimeRecordStatus
}

func (r Repo) ListTimeRecords(ctx context.Context, f TimeRecordFilter) ([]domain.TimeRecord, error) {
	query := `SELECT ` + timeRecordCols + ` FROM time_records`
	var clauses []string
	var args []any
	if f.Employee != "" {
		clauses = append(clauses, "employee=?")
		args = append(args, f.Employee)
	}
	if f.Company != "" {
		clauses = append(clauses, "company=?")
		args = append(args, f.Company)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeRecord
	for rows.Next() {
		rec, err := scanTimeRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ValidatedHours sums (end-start) over the employee's validated records.
// Times are unix seconds; the result is whole hours, truncated.
func (r Repo) ValidatedHours(ctx context.Context, employee string) (int64, error) {
	var seconds sql.NullInt64
	err := r.DB.QueryRowContext(ctx,
		`SELECT SUM(end_time-start_time) FROM time_records WHERE employee=? AND status='validated'`, employee).Scan(&seconds)
	if err != nil {
		return 0, err
	}
	return seconds.Int64 / 3600, nil
}

func (r Repo) TotalHours(ctx context.Context, employee string) (int64, error) {
	var seconds sql.NullInt64
	err := r.DB.QueryRowContext(ctx,
		`SELECT SUM(end_time-start_time) FROM time_records WHERE employee=?`, employee).Scan(&seconds)
	if err != nil {
		return 0, err
	}
	return seconds.Int64 / 3600, nil
}
