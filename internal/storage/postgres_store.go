package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/care-matching/internal/models"
)

// PostgresStore implements Store on lib/pq. Conditional writes are plain
// UPDATE ... WHERE guards checked through RowsAffected; the assignment pair
// update runs in one transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_requests(id, patient_id, nurse_id, service_id, service, date, time_slot,
			lat, lon, address, district, city, notes, status, rating, review, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.PatientID, r.NurseID, r.ServiceID, r.Service, r.Date, r.TimeSlot,
		r.Loc.Lat, r.Loc.Lon, r.Address, r.District, r.City, r.Notes, r.Status,
		r.Rating, r.Review, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r := &models.ServiceRequest{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, patient_id, nurse_id, service_id, service, date, time_slot,
			lat, lon, address, district, city, notes, status, rating, review, created_at, updated_at
		FROM service_requests WHERE id=$1`, id).Scan(
		&r.ID, &r.PatientID, &r.NurseID, &r.ServiceID, &r.Service, &r.Date, &r.TimeSlot,
		&r.Loc.Lat, &r.Loc.Lon, &r.Address, &r.District, &r.City, &r.Notes, &r.Status,
		&r.Rating, &r.Review, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.History, err = p.history(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) history(ctx context.Context, requestID string) ([]models.Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT from_status, to_status, at, actor_role, actor_id, note
		FROM request_history WHERE request_id=$1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		if err := rows.Scan(&t.From, &t.To, &t.At, &t.Role, &t.ActorID, &t.Note); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) appendHistory(ctx context.Context, tx *sql.Tx, requestID string, e models.Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_history(request_id, from_status, to_status, at, actor_role, actor_id, note)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		requestID, e.From, e.To, e.At, e.Role, e.ActorID, e.Note)
	return err
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status, entry models.Transition) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE service_requests SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		to, entry.At, id, from)
	if err != nil {
		return nil, err
	}
	if err := p.requireOneRow(ctx, res, id); err != nil {
		return nil, err
	}
	if err := p.appendHistory(ctx, tx, id, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetRequest(ctx, id)
}

func (p *PostgresStore) RequeuePending(ctx context.Context, id string, entry models.Transition) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE service_requests SET nurse_id='', updated_at=$1 WHERE id=$2 AND status=$3`,
		entry.At, id, models.StatusPending)
	if err != nil {
		return nil, err
	}
	if err := p.requireOneRow(ctx, res, id); err != nil {
		return nil, err
	}
	if err := p.appendHistory(ctx, tx, id, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetRequest(ctx, id)
}

func (p *PostgresStore) AssignNurse(ctx context.Context, requestID, nurseID string, entry models.Transition) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE service_requests SET status=$1, nurse_id=$2, updated_at=$3
		WHERE id=$4 AND status=$5`,
		models.StatusAccepted, nurseID, entry.At, requestID, models.StatusPending)
	if err != nil {
		return nil, err
	}
	if err := p.requireOneRow(ctx, res, requestID); err != nil {
		return nil, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE nurses SET active_request_id=$1, updated_at=$2
		WHERE id=$3 AND active_request_id=''`,
		requestID, entry.At, nurseID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// nurse missing or already locked; nothing committed either way
		return nil, ErrConflict
	}

	if err := p.appendHistory(ctx, tx, requestID, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetRequest(ctx, requestID)
}

func (p *PostgresStore) requireOneRow(ctx context.Context, res sql.Result, requestID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM service_requests WHERE id=$1)`, requestID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *PostgresStore) ReleaseNurse(ctx context.Context, nurseID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE nurses SET active_request_id='', updated_at=$1 WHERE id=$2`,
		time.Now(), nurseID)
	return err
}

func (p *PostgresStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM service_requests WHERE status=$1 AND created_at<=$2`,
		models.StatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.ServiceRequest, 0, len(ids))
	for _, id := range ids {
		r, err := p.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *PostgresStore) GetNurse(ctx context.Context, id string) (*models.Nurse, error) {
	n := &models.Nurse{}
	var services []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, lat, lon, services, available, average_rating, total_reviews, active_request_id, updated_at
		FROM nurses WHERE id=$1`, id).Scan(
		&n.ID, &n.Loc.Lat, &n.Loc.Lon, &services, &n.Available,
		&n.AverageRating, &n.TotalReviews, &n.ActiveRequestID, &n.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &n.Services); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (p *PostgresStore) PutNurse(ctx context.Context, n *models.Nurse) error {
	services, err := json.Marshal(n.Services)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO nurses(id, lat, lon, services, available, average_rating, total_reviews, active_request_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET lat=$2, lon=$3, services=$4, available=$5,
			average_rating=$6, total_reviews=$7, updated_at=$9`,
		n.ID, n.Loc.Lat, n.Loc.Lon, services, n.Available,
		n.AverageRating, n.TotalReviews, n.ActiveRequestID, time.Now())
	return err
}

func (p *PostgresStore) SetRequestRating(ctx context.Context, requestID string, rating int, review string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE service_requests SET rating=$1, review=$2 WHERE id=$3 AND rating=0`,
		rating, review, requestID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM service_requests WHERE id=$1)`, requestID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyRated
	}
	return nil
}

func (p *PostgresStore) CreateReview(ctx context.Context, rv *models.Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews(id, request_id, patient_id, nurse_id, rating, comment, allow_public_use, response, responded_at, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rv.ID, rv.RequestID, rv.PatientID, rv.NurseID, rv.Rating, rv.Comment,
		rv.AllowPublicUse, rv.Response, rv.RespondedAt, rv.CreatedAt)
	return err
}

func (p *PostgresStore) GetReview(ctx context.Context, id string) (*models.Review, error) {
	rv := &models.Review{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, patient_id, nurse_id, rating, comment, allow_public_use, response, responded_at, created_at
		FROM reviews WHERE id=$1`, id).Scan(
		&rv.ID, &rv.RequestID, &rv.PatientID, &rv.NurseID, &rv.Rating, &rv.Comment,
		&rv.AllowPublicUse, &rv.Response, &rv.RespondedAt, &rv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rv, nil
}

func (p *PostgresStore) FoldReview(ctx context.Context, rv *models.Review) (*models.Nurse, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// the folded set is a table with the request id as primary key; the
	// ON CONFLICT no-op makes duplicate delivery harmless
	res, err := tx.ExecContext(ctx,
		`INSERT INTO folded_reviews(request_id) VALUES($1) ON CONFLICT (request_id) DO NOTHING`,
		rv.RequestID)
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if inserted == 0 {
		_ = tx.Rollback()
		n, err := p.GetNurse(ctx, rv.NurseID)
		return n, false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE nurses
		SET average_rating = (average_rating*total_reviews + $1) / (total_reviews + 1),
			total_reviews = total_reviews + 1,
			updated_at = $2
		WHERE id=$3`,
		rv.Rating, time.Now(), rv.NurseID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	nurse, err := p.GetNurse(ctx, rv.NurseID)
	return nurse, true, err
}

func (p *PostgresStore) AttachReviewResponse(ctx context.Context, reviewID, content string, at time.Time) (*models.Review, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE reviews SET response=$1, responded_at=$2 WHERE id=$3 AND response=''`,
		content, at, reviewID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := p.GetReview(ctx, reviewID); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return p.GetReview(ctx, reviewID)
}

func (p *PostgresStore) ListReviewsForNurse(ctx context.Context, nurseID string) ([]*models.Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, patient_id, nurse_id, rating, comment, allow_public_use, response, responded_at, created_at
		FROM reviews WHERE nurse_id=$1 ORDER BY created_at DESC`, nurseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Review
	for rows.Next() {
		rv := &models.Review{}
		if err := rows.Scan(&rv.ID, &rv.RequestID, &rv.PatientID, &rv.NurseID, &rv.Rating,
			&rv.Comment, &rv.AllowPublicUse, &rv.Response, &rv.RespondedAt, &rv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}
