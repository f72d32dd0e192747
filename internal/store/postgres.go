package store

import (
	"context"
	_ "embed"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"caremap/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

type Postgres struct {
	db pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: open postgres pool")
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, eris.Wrap(err, "store: ping postgres")
	}
	return &Postgres{db: p}, nil
}

func newPostgres(db pool) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

func (p *Postgres) Close() { p.db.Close() }

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return eris.Wrap(err, "store: migrate")
	}
	return nil
}

const clusterColumns = `SELECT c.id, c.name, c.postcode, COALESCE(c.description, ''), COALESCE(c.location, ''),
    c.latitude, c.longitude, c.average_match_time,
    (SELECT count(*) FROM members m WHERE m.cluster_id = c.id AND m.kind = 'client'),
    (SELECT count(*) FROM members m WHERE m.cluster_id = c.id AND m.kind = 'caretaker')
FROM clusters c`

func (p *Postgres) ListClusters(ctx context.Context) ([]model.ClusterRecord, error) {
	rows, err := p.db.Query(ctx, clusterColumns+` ORDER BY c.created_at, c.id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list clusters")
	}
	defer rows.Close()
	out := []model.ClusterRecord{}
	for rows.Next() {
		rec, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "store: list clusters")
}

func (p *Postgres) getCluster(ctx context.Context, id string) (model.ClusterRecord, error) {
	rec, err := scanCluster(p.db.QueryRow(ctx, clusterColumns+` WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ClusterRecord{}, ErrNotFound
	}
	return rec, err
}

func scanCluster(row pgx.Row) (model.ClusterRecord, error) {
	var (
		rec      model.ClusterRecord
		id       string
		lat, lng pgtype.Float8
		avg      pgtype.Text
	)
	if err := row.Scan(&id, &rec.Name, &rec.Postcode, &rec.Description, &rec.Location,
		&lat, &lng, &avg, &rec.TotalRequestCount, &rec.TotalCarerCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, eris.Wrap(err, "store: scan cluster")
	}
	rec.ID = model.FlexID(id)
	rec.Latitude, rec.Longitude = optFromPg(lat), optFromPg(lng)
	if avg.Valid {
		s := avg.String
		rec.AverageMatchTime = &s
	}
	return rec, nil
}

func (p *Postgres) CreateCluster(ctx context.Context, w model.ClusterWrite) (model.ClusterRecord, error) {
	id := uuid.New().String()
	_, err := p.db.Exec(ctx, `INSERT INTO clusters (id, name, postcode, description, location, latitude, longitude)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, w.Name, w.Postcode, nullIfEmpty(w.Description), nullIfEmpty(w.Location), w.Latitude.Ptr(), w.Longitude.Ptr())
	if err != nil {
		return model.ClusterRecord{}, mapPgError(err, "store: create cluster")
	}
	return recordFromWrite(id, w), nil
}

func (p *Postgres) UpdateCluster(ctx context.Context, clusterID string, w model.ClusterWrite) (model.ClusterRecord, error) {
	tag, err := p.db.Exec(ctx, `UPDATE clusters SET name = $2, postcode = $3, description = $4, location = $5,
        latitude = $6, longitude = $7 WHERE id = $1`,
		clusterID, w.Name, w.Postcode, nullIfEmpty(w.Description), nullIfEmpty(w.Location), w.Latitude.Ptr(), w.Longitude.Ptr())
	if err != nil {
		return model.ClusterRecord{}, mapPgError(err, "store: update cluster")
	}
	if tag.RowsAffected() == 0 {
		return model.ClusterRecord{}, ErrNotFound
	}
	return p.getCluster(ctx, clusterID)
}

// DeleteCluster removes the row; members still pointing at it are detached by the foreign key.
func (p *Postgres) DeleteCluster(ctx context.Context, clusterID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM clusters WHERE id = $1`, clusterID)
	if err != nil {
		return eris.Wrap(err, "store: delete cluster")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetClusterClients(ctx context.Context, clusterID string) ([]model.MemberRecord, error) {
	return p.members(ctx, clusterID, model.KindClient)
}

func (p *Postgres) GetClusterCaretakers(ctx context.Context, clusterID string) ([]model.MemberRecord, error) {
	return p.members(ctx, clusterID, model.KindCaretaker)
}

func (p *Postgres) members(ctx context.Context, clusterID string, kind model.MemberKind) ([]model.MemberRecord, error) {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clusters WHERE id = $1)`, clusterID).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "store: check cluster")
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := p.db.Query(ctx, `SELECT id, first_name, last_name, COALESCE(postcode, ''), COALESCE(address, ''), status,
        latitude, longitude, COALESCE(start_time, ''), COALESCE(end_time, '')
        FROM members WHERE cluster_id = $1 AND kind = $2 ORDER BY created_at, id`, clusterID, string(kind))
	if err != nil {
		return nil, eris.Wrapf(err, "store: list %s members", kind)
	}
	defer rows.Close()
	out := []model.MemberRecord{}
	for rows.Next() {
		var (
			rec      model.MemberRecord
			id       string
			lat, lng pgtype.Float8
		)
		if err := rows.Scan(&id, &rec.FirstName, &rec.LastName, &rec.Postcode, &rec.Address, &rec.Status,
			&lat, &lng, &rec.StartTime, &rec.EndTime); err != nil {
			return nil, eris.Wrap(err, "store: scan member")
		}
		rec.ID = model.FlexID(id)
		rec.Latitude, rec.Longitude = optFromPg(lat), optFromPg(lng)
		out = append(out, rec)
	}
	return out, eris.Wrapf(rows.Err(), "store: list %s members", kind)
}

func (p *Postgres) AssignClientToCluster(ctx context.Context, clusterID, clientID string) error {
	return p.assign(ctx, clusterID, clientID, model.KindClient)
}

func (p *Postgres) AssignCarerToCluster(ctx context.Context, clusterID, carerID string) error {
	return p.assign(ctx, clusterID, carerID, model.KindCaretaker)
}

func (p *Postgres) assign(ctx context.Context, clusterID, memberID string, kind model.MemberKind) error {
	tag, err := p.db.Exec(ctx, `UPDATE members SET cluster_id = $1 WHERE kind = $2 AND id = $3`, clusterID, string(kind), memberID)
	if err != nil {
		return mapPgError(err, "store: assign member")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateMemberAddress(ctx context.Context, clusterID string, kind model.MemberKind, memberID string, addr model.MemberAddress) error {
	tag, err := p.db.Exec(ctx, `UPDATE members SET postcode = $1, address = $2 WHERE kind = $3 AND id = $4 AND cluster_id = $5`,
		addr.Postcode, addr.Address, string(kind), memberID, clusterID)
	if err != nil {
		return eris.Wrap(err, "store: update member address")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetClientCaretakers(ctx context.Context, clientID string) (model.ClientCaretakers, error) {
	var (
		out      model.ClientCaretakers
		lat, lng pgtype.Float8
	)
	err := p.db.QueryRow(ctx, `SELECT latitude, longitude, COALESCE(postcode, '') FROM members WHERE kind = 'client' AND id = $1`,
		clientID).Scan(&lat, &lng, &out.ClientPostcode)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, eris.Wrap(err, "store: get client")
	}
	out.ClientLatitude, out.ClientLongitude = optFromPg(lat), optFromPg(lng)

	rows, err := p.db.Query(ctx, `SELECT m.id, m.first_name, m.last_name, m.latitude, m.longitude,
        p.distance_km, p.duration_min, p.visits
        FROM care_plans p JOIN members m ON m.kind = 'caretaker' AND m.id = p.carer_id
        WHERE p.client_id = $1 ORDER BY p.position, m.id`, clientID)
	if err != nil {
		return out, eris.Wrap(err, "store: list client caretakers")
	}
	defer rows.Close()
	out.Carers = []model.CarerRecord{}
	for rows.Next() {
		var (
			c                     model.CarerRecord
			id                    string
			klat, klng, dist, dur pgtype.Float8
			visits                int
		)
		if err := rows.Scan(&id, &c.FirstName, &c.LastName, &klat, &klng, &dist, &dur, &visits); err != nil {
			return out, eris.Wrap(err, "store: scan caretaker")
		}
		c.ID = model.FlexID(id)
		c.Latitude, c.Longitude = optFromPg(klat), optFromPg(klng)
		c.Distance, c.Duration = optFromPg(dist), optFromPg(dur)
		out.Carers = append(out.Carers, c)
		out.TotalVisits += visits
	}
	if err := rows.Err(); err != nil {
		return out, eris.Wrap(err, "store: list client caretakers")
	}
	out.TotalCarers = len(out.Carers)
	return out, nil
}

// mapPgError turns unique and foreign-key violations into the store sentinels.
func mapPgError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrNotFound
		}
	}
	return eris.Wrap(err, msg)
}

func optFromPg(f pgtype.Float8) model.OptFloat {
	if !f.Valid {
		return model.OptFloat{}
	}
	return model.Float(f.Float64)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
