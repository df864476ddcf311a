package repo

import (
	"context"
	"database/sql"
	"strconv"

	"karmaline/internal/domain"
)

// --- services ---

const serviceCols = `id,provider,title,description,price_per_hour,skill_ids_json,is_active,created_at`

func (r Repo) InsertService(ctx context.Context, tx *sql.Tx, s domain.Service) (int64, error) {
	ids, err := marshalIDs(s.SkillIDs)
	if err != nil {
		return 0, err
	}
	active := 0
	if s.IsActive {
		active = 1
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO services(provider,title,description,price_per_hour,skill_ids_json,is_active,created_at)
VALUES (?,?,?,?,?,?,?)`,
		s.Provider, s.Title, nullable(s.Description), s.PricePerHour, ids, active, s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanService(scan func(...any) error) (domain.Service, error) {
	var s domain.Service
	var description, skillIDs sql.NullString
	var active int
	err := scan(&s.ID, &s.Provider, &s.Title, &description, &s.PricePerHour, &skillIDs, &active, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	if description.Valid {
		s.Description = description.String
	}
	s.SkillIDs = unmarshalIDs(skillIDs)
	s.IsActive = active != 0
	return s, nil
}

func (r Repo) GetService(ctx context.Context, id int64) (domain.Service, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+serviceCols+` FROM services WHERE id=?`, id)
	s, err := scanService(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetServiceTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Service, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+serviceCols+` FROM services WHERE id=?`, id)
	s, err := scanService(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) UpdateService(ctx context.Context, tx *sql.Tx, s domain.Service) error {
	ids, err := marshalIDs(s.SkillIDs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE services SET title=?, description=?, price_per_hour=?, skill_ids_json=? WHERE id=?`,
		s.Title, nullable(s.Description), s.PricePerHour, ids, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetServiceActive(ctx context.Context, tx *sql.Tx, id int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE services SET is_active=? WHERE id=?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ServiceFilter narrows ListServices. Zero values mean "any". SkillID
// matches services whose skill list contains the id.
type ServiceFilter struct {
	Provider   string
	SkillID    int64
	ActiveOnly bool
}

func (r Repo) ListServices(ctx context.Context, f ServiceFilter) ([]domain.Service, error) {
	query := `SELECT ` + serviceCols + ` FROM services`
	var clauses []string
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
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
	var res []domain.Service
	for rows.Next() {
		s, err := scanService(rows.Scan)
		if err != nil {
			return nil, err
		}
		if f.SkillID != 0 && !containsID(s.SkillIDs, f.SkillID) {
			continue
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// --- orders ---

const orderCols = `id,service_id,client,provider,num_hours,total_price,description,status,created_at,completed_at`

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO orders(service_id,client,provider,num_hours,total_price,description,status,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		o.ServiceID, o.Client, o.Provider, o.NumHours, o.TotalPrice, nullable(o.Description), string(o.Status), o.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanOrder(scan func(...any) error) (domain.Order, error) {
	var o domain.Order
	var description, completedAt sql.NullString
	var status string
	err := scan(&o.ID, &o.ServiceID, &o.Client, &o.Provider, &o.NumHours, &o.TotalPrice, &description, &status, &o.CreatedAt, &completedAt)
	if err != nil {
		return o, err
	}
	if description.Valid {
		o.Description = description.String
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.String
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func (r Repo) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) SetOrderStatus(ctx context.Context, tx *sql.Tx, id int64, status domain.OrderStatus, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET status=?, completed_at=? WHERE id=?`,
		string(status), nullable(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrderFilter narrows ListOrders. Zero values mean "any".
type OrderFilter struct {
	Client   string
	Provider string
	Status   domain.OrderStatus
	Service  int64
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders`
	var clauses []string
	var args []any
	if f.Client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, f.Client)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Service != 0 {
		clauses = append(clauses, "service_id="+strconv.FormatInt(f.Service, 10))
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
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
