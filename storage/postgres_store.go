package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"listing-aggregator/models"
)

// psql builds statements with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore persists searches, listings, thumbnails and queue processes
// to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return ps, nil
}

func (ps *PostgresStore) migrate() error {
	_, err := ps.db.Exec(schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS searches (
		id              BIGSERIAL PRIMARY KEY,
		query           TEXT        NOT NULL,
		criteria_key    TEXT        NOT NULL,
		max_days_listed INTEGER     NOT NULL DEFAULT 0,
		condition       TEXT        NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_searches_identity ON searches(query, criteria_key);

	CREATE TABLE IF NOT EXISTS listings (
		id           BIGSERIAL PRIMARY KEY,
		search_id    BIGINT      NOT NULL REFERENCES searches(id) ON DELETE CASCADE,
		price        NUMERIC     NOT NULL DEFAULT 0,
		title        TEXT        NOT NULL,
		location     TEXT        NOT NULL DEFAULT '',
		url          TEXT        NOT NULL,
		source       VARCHAR(20) NOT NULL,
		thumbnail_id UUID,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (search_id, url)
	);

	ALTER TABLE listings ALTER COLUMN price TYPE NUMERIC;

	CREATE TABLE IF NOT EXISTS thumbnails (
		id         UUID PRIMARY KEY,
		listing_id BIGINT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
		image      BYTEA  NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_processes (
		id        BIGSERIAL PRIMARY KEY,
		search_id BIGINT      NOT NULL REFERENCES searches(id) ON DELETE CASCADE,
		status    VARCHAR(20) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_processes_status ON queue_processes(status);
`

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// --- searches ---

var searchColumns = []string{"id", "query", "max_days_listed", "condition", "created_at"}

func scanSearch(row sq.RowScanner) (*models.Search, error) {
	s := &models.Search{}
	var cond string
	if err := row.Scan(&s.ID, &s.Query, &s.Criteria.MaxDaysListed, &cond, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan search: %w", err)
	}
	s.Criteria.Condition = models.Condition(cond)
	return s, nil
}

func (ps *PostgresStore) CreateSearch(ctx context.Context, query string, criteria models.SearchCriteria) (*models.Search, error) {
	stmt, args, err := insertSearchSQL(query, criteria)
	if err != nil {
		return nil, err
	}
	return scanSearch(ps.db.QueryRowContext(ctx, stmt, args...))
}

func insertSearchSQL(query string, criteria models.SearchCriteria) (string, []interface{}, error) {
	return psql.Insert("searches").
		Columns("query", "criteria_key", "max_days_listed", "condition").
		Values(query, criteria.Key(), criteria.MaxDaysListed, string(criteria.Condition)).
		Suffix("RETURNING id, query, max_days_listed, condition, created_at").
		ToSql()
}

func (ps *PostgresStore) FindSearch(ctx context.Context, query string, criteria models.SearchCriteria) (*models.Search, error) {
	stmt, args, err := findSearchSQL(query, criteria)
	if err != nil {
		return nil, err
	}
	return scanSearch(ps.db.QueryRowContext(ctx, stmt, args...))
}

func findSearchSQL(query string, criteria models.SearchCriteria) (string, []interface{}, error) {
	return psql.Select(searchColumns...).
		From("searches").
		Where(sq.Eq{"query": query, "criteria_key": criteria.Key()}).
		OrderBy("id DESC").
		Limit(1).
		ToSql()
}

func (ps *PostgresStore) DeleteSearch(ctx context.Context, id int64) error {
	n, err := ps.exec(ctx, psql.Delete("searches").Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) DeleteSearchesBefore(ctx context.Context, before time.Time) (int64, error) {
	return ps.exec(ctx, psql.Delete("searches").Where(sq.Lt{"created_at": before}))
}

func (ps *PostgresStore) DeleteEmptySearches(ctx context.Context) (int64, error) {
	return ps.exec(ctx, psql.Delete("searches").
		Where("NOT EXISTS (SELECT 1 FROM listings l WHERE l.search_id = searches.id)"))
}

// --- listings ---

var listingColumns = []string{"id", "search_id", "price", "title", "location", "url", "source", "thumbnail_id", "created_at"}

func scanListing(row sq.RowScanner) (*models.Listing, error) {
	l := &models.Listing{}
	var source string
	var thumb uuid.NullUUID
	if err := row.Scan(&l.ID, &l.SearchID, &l.Price, &l.Title, &l.Location, &l.URL, &source, &thumb, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan listing: %w", err)
	}
	l.Source = models.Source(source)
	if thumb.Valid {
		id := thumb.UUID
		l.ThumbnailID = &id
	}
	return l, nil
}

func (ps *PostgresStore) FindListingByURL(ctx context.Context, searchID int64, url string) (*models.Listing, error) {
	stmt, args, err := psql.Select(listingColumns...).
		From("listings").
		Where(sq.Eq{"search_id": searchID, "url": url}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanListing(ps.db.QueryRowContext(ctx, stmt, args...))
}

func (ps *PostgresStore) InsertListing(ctx context.Context, l models.Listing, thumbnail []byte) (*models.Listing, bool, error) {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var thumbID *uuid.UUID
	if len(thumbnail) > 0 {
		id := uuid.New()
		thumbID = &id
	}

	stmt, args, err := insertListingSQL(l, thumbID)
	if err != nil {
		return nil, false, err
	}
	stored, err := scanListing(tx.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, ErrNotFound) {
		// ON CONFLICT DO NOTHING returned no row: the URL is already cached.
		existing, ferr := ps.FindListingByURL(ctx, l.SearchID, l.URL)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23503":
				return nil, false, ErrNotFound
			case "23505":
				existing, ferr := ps.FindListingByURL(ctx, l.SearchID, l.URL)
				if ferr != nil {
					return nil, false, ferr
				}
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("postgres: insert listing: %w", err)
	}

	if thumbID != nil {
		tstmt, targs, err := psql.Insert("thumbnails").
			Columns("id", "listing_id", "image").
			Values(*thumbID, stored.ID, thumbnail).
			ToSql()
		if err != nil {
			return nil, false, err
		}
		if _, err := tx.ExecContext(ctx, tstmt, targs...); err != nil {
			return nil, false, fmt.Errorf("postgres: insert thumbnail: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("postgres: commit: %w", err)
	}
	return stored, true, nil
}

func insertListingSQL(l models.Listing, thumbID *uuid.UUID) (string, []interface{}, error) {
	var thumb uuid.NullUUID
	if thumbID != nil {
		thumb = uuid.NullUUID{UUID: *thumbID, Valid: true}
	}
	return psql.Insert("listings").
		Columns("search_id", "price", "title", "location", "url", "source", "thumbnail_id").
		Values(l.SearchID, l.Price, l.Title, l.Location, l.URL, string(l.Source), thumb).
		Suffix("ON CONFLICT (search_id, url) DO NOTHING RETURNING id, search_id, price, title, location, url, source, thumbnail_id, created_at").
		ToSql()
}

func (ps *PostgresStore) ListingsBySearch(ctx context.Context, searchID int64) ([]models.Listing, error) {
	stmt, args, err := psql.Select(listingColumns...).
		From("listings").
		Where(sq.Eq{"search_id": searchID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := ps.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: listings by search: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (ps *PostgresStore) GetThumbnail(ctx context.Context, id uuid.UUID) (*models.Thumbnail, error) {
	stmt, args, err := psql.Select("id", "image").From("thumbnails").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	t := &models.Thumbnail{}
	if err := ps.db.QueryRowContext(ctx, stmt, args...).Scan(&t.ID, &t.Image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get thumbnail: %w", err)
	}
	return t, nil
}

// --- queue processes ---

func scanProcess(row sq.RowScanner) (*models.QueueProcess, error) {
	p := &models.QueueProcess{}
	var status string
	if err := row.Scan(&p.ID, &p.SearchID, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan process: %w", err)
	}
	p.Status = models.ProcessStatus(status)
	return p, nil
}

func (ps *PostgresStore) CreateProcess(ctx context.Context, searchID int64) (*models.QueueProcess, error) {
	stmt, args, err := psql.Insert("queue_processes").
		Columns("search_id", "status").
		Values(searchID, string(models.StatusProcessing)).
		Suffix("RETURNING id, search_id, status").
		ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanProcess(ps.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return nil, ErrNotFound
		}
	}
	return p, err
}

func (ps *PostgresStore) GetProcess(ctx context.Context, id int64) (*models.QueueProcess, error) {
	stmt, args, err := psql.Select("id", "search_id", "status").
		From("queue_processes").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanProcess(ps.db.QueryRowContext(ctx, stmt, args...))
}

func (ps *PostgresStore) FindProcess(ctx context.Context, query string, criteria models.SearchCriteria, excludeID int64) (*models.QueueProcess, error) {
	stmt, args, err := findProcessSQL(query, criteria, excludeID)
	if err != nil {
		return nil, err
	}
	return scanProcess(ps.db.QueryRowContext(ctx, stmt, args...))
}

func findProcessSQL(query string, criteria models.SearchCriteria, excludeID int64) (string, []interface{}, error) {
	return psql.Select("p.id", "p.search_id", "p.status").
		From("queue_processes p").
		Join("searches s ON s.id = p.search_id").
		Where(sq.Eq{"s.query": query, "s.criteria_key": criteria.Key()}).
		Where(sq.NotEq{"p.id": excludeID}).
		OrderBy("p.id DESC").
		Limit(1).
		ToSql()
}

func (ps *PostgresStore) SetProcessStatus(ctx context.Context, id int64, status models.ProcessStatus) error {
	n, err := ps.exec(ctx, psql.Update("queue_processes").Set("status", string(status)).Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) EarliestProcessing(ctx context.Context) (*models.QueueProcess, error) {
	stmt, args, err := psql.Select("id", "search_id", "status").
		From("queue_processes").
		Where(sq.Eq{"status": string(models.StatusProcessing)}).
		OrderBy("id").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanProcess(ps.db.QueryRowContext(ctx, stmt, args...))
}

func (ps *PostgresStore) DeleteProcessing(ctx context.Context) (int64, error) {
	return ps.exec(ctx, psql.Delete("queue_processes").Where(sq.Eq{"status": string(models.StatusProcessing)}))
}

func (ps *PostgresStore) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	stmt, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := ps.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: exec: %w", err)
	}
	return res.RowsAffected()
}
