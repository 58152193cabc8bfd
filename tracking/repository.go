package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the persistence contract used by Service. Reads go through the
// pool; writes run inside the caller's transaction.
type Repository interface {
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (Package, error)
	GetByID(ctx context.Context, id string) (Package, error)
	List(ctx context.Context, filters ListFilters) ([]Package, error)
	ListEvents(ctx context.Context, packageID string) ([]Event, error)

	TrackingNumberTaken(ctx context.Context, tx pgx.Tx, trackingNumber string) (bool, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, trackingNumber string) (Package, error)
	Insert(ctx context.Context, tx pgx.Tx, pkg Package) (Package, error)
	Update(ctx context.Context, tx pgx.Tx, id string, params UpdateParams, updatedAt time.Time) (Package, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, updatedAt time.Time) (Package, error)
	InsertEvent(ctx context.Context, tx pgx.Tx, ev Event) (Event, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	ReserveRequestKey(ctx context.Context, tx pgx.Tx, key string) error
}

const packageColumns = `id, tracking_number, status, service_type, recipient_name, recipient_address,
        sender_name, sender_address, current_location, last_location, destination, weight, dimensions,
        estimated_delivery, created_at, updated_at`

const eventColumns = `id, package_id, status, description, location, event_timestamp, created_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) GetByTrackingNumber(ctx context.Context, trackingNumber string) (Package, error) {
	query := `SELECT ` + packageColumns + ` FROM tracking_packages WHERE tracking_number = $1`
	pkg, err := scanPackage(r.pool.QueryRow(ctx, query, trackingNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrNotFound
		}
		return Package{}, fmt.Errorf("tracking: get by tracking number: %w", err)
	}
	return pkg, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Package, error) {
	query := `SELECT ` + packageColumns + ` FROM tracking_packages WHERE id = $1`
	pkg, err := scanPackage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrNotFound
		}
		return Package{}, fmt.Errorf("tracking: get by id: %w", err)
	}
	return pkg, nil
}

func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Package, error) {
	where := []string{"1=1"}
	args := []any{}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filters.Search != "" {
		args = append(args, "%"+likeEscaper.Replace(filters.Search)+"%")
		where = append(where, fmt.Sprintf(`(tracking_number ILIKE $%[1]d OR recipient_name ILIKE $%[1]d
            OR sender_name ILIKE $%[1]d OR COALESCE(current_location, '') ILIKE $%[1]d
            OR COALESCE(destination, '') ILIKE $%[1]d)`, len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM tracking_packages WHERE %s ORDER BY created_at DESC, id DESC`,
		packageColumns, strings.Join(where, " AND "))
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tracking: query packages: %w", err)
	}
	defer rows.Close()

	list := []Package{}
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("tracking: scan package: %w", err)
		}
		list = append(list, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracking: iterate packages: %w", err)
	}
	return list, nil
}

func (r *PGRepository) ListEvents(ctx context.Context, packageID string) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM tracking_events
        WHERE package_id = $1
        ORDER BY event_timestamp DESC, seq DESC`

	rows, err := r.pool.Query(ctx, query, packageID)
	if err != nil {
		return nil, fmt.Errorf("tracking: query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("tracking: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracking: iterate events: %w", err)
	}
	return events, nil
}

func (r *PGRepository) TrackingNumberTaken(ctx context.Context, tx pgx.Tx, trackingNumber string) (bool, error) {
	var taken bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tracking_packages WHERE tracking_number = $1)`, trackingNumber).
		Scan(&taken); err != nil {
		return false, fmt.Errorf("tracking: check tracking number: %w", err)
	}
	return taken, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, trackingNumber string) (Package, error) {
	query := `SELECT ` + packageColumns + ` FROM tracking_packages WHERE tracking_number = $1 FOR UPDATE`
	pkg, err := scanPackage(tx.QueryRow(ctx, query, trackingNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrNotFound
		}
		return Package{}, fmt.Errorf("tracking: lock package: %w", err)
	}
	return pkg, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, pkg Package) (Package, error) {
	query := `
        INSERT INTO tracking_packages (id, tracking_number, status, service_type, recipient_name, recipient_address,
            sender_name, sender_address, current_location, last_location, destination, weight, dimensions,
            estimated_delivery, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
        RETURNING ` + packageColumns

	created, err := scanPackage(tx.QueryRow(ctx, query,
		pkg.ID,
		pkg.TrackingNumber,
		pkg.Status,
		pkg.ServiceType,
		pkg.RecipientName,
		pkg.RecipientAddress,
		pkg.SenderName,
		pkg.SenderAddress,
		pkg.CurrentLocation,
		pkg.LastLocation,
		pkg.Destination,
		pkg.Weight,
		pkg.Dimensions,
		pkg.EstimatedDelivery,
		pkg.CreatedAt,
		pkg.UpdatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return Package{}, ErrTrackingNumberExists
		}
		return Package{}, fmt.Errorf("tracking: insert package: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, id string, params UpdateParams, updatedAt time.Time) (Package, error) {
	sets := []string{}
	args := []any{}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if params.TrackingNumber != nil {
		set("tracking_number", *params.TrackingNumber)
	}
	if params.Status != nil {
		set("status", *params.Status)
	}
	if params.ServiceType != nil {
		set("service_type", *params.ServiceType)
	}
	if params.RecipientName != nil {
		set("recipient_name", *params.RecipientName)
	}
	if params.RecipientAddress != nil {
		set("recipient_address", *params.RecipientAddress)
	}
	if params.SenderName != nil {
		set("sender_name", *params.SenderName)
	}
	if params.SenderAddress != nil {
		set("sender_address", *params.SenderAddress)
	}
	if params.CurrentLocation != nil {
		set("current_location", *params.CurrentLocation)
	}
	if params.LastLocation != nil {
		set("last_location", *params.LastLocation)
	}
	if params.Destination != nil {
		set("destination", *params.Destination)
	}
	if params.Weight != nil {
		set("weight", *params.Weight)
	}
	if params.Dimensions != nil {
		set("dimensions", *params.Dimensions)
	}
	if params.EstimatedDelivery != nil {
		set("estimated_delivery", *params.EstimatedDelivery)
	}
	set("updated_at", updatedAt)

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE tracking_packages SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), packageColumns)

	pkg, err := scanPackage(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return Package{}, ErrTrackingNumberExists
		}
		return Package{}, fmt.Errorf("tracking: update package: %w", err)
	}
	return pkg, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, updatedAt time.Time) (Package, error) {
	query := `UPDATE tracking_packages SET status = $1, updated_at = $2 WHERE id = $3 RETURNING ` + packageColumns
	pkg, err := scanPackage(tx.QueryRow(ctx, query, status, updatedAt, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrNotFound
		}
		return Package{}, fmt.Errorf("tracking: update status: %w", err)
	}
	return pkg, nil
}

func (r *PGRepository) InsertEvent(ctx context.Context, tx pgx.Tx, ev Event) (Event, error) {
	query := `
        INSERT INTO tracking_events (id, package_id, status, description, location, event_timestamp, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING ` + eventColumns

	created, err := scanEvent(tx.QueryRow(ctx, query,
		ev.ID, ev.PackageID, ev.Status, ev.Description, ev.Location, ev.EventTimestamp, ev.CreatedAt))
	if err != nil {
		return Event{}, fmt.Errorf("tracking: insert event: %w", err)
	}
	return created, nil
}

// Delete removes the package row. Its events are removed by the
// ON DELETE CASCADE foreign key.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM tracking_packages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("tracking: delete package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveRequestKey inserts key, mapping a primary key conflict to
// ErrDuplicateRequest. A concurrent holder of the same key blocks this insert
// until it commits or rolls back.
func (r *PGRepository) ReserveRequestKey(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `INSERT INTO request_keys (key) VALUES ($1)`, key); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("tracking: reserve request key: %w", err)
	}
	return nil
}

func scanPackage(row pgx.Row) (Package, error) {
	var pkg Package
	err := row.Scan(
		&pkg.ID,
		&pkg.TrackingNumber,
		&pkg.Status,
		&pkg.ServiceType,
		&pkg.RecipientName,
		&pkg.RecipientAddress,
		&pkg.SenderName,
		&pkg.SenderAddress,
		&pkg.CurrentLocation,
		&pkg.LastLocation,
		&pkg.Destination,
		&pkg.Weight,
		&pkg.Dimensions,
		&pkg.EstimatedDelivery,
		&pkg.CreatedAt,
		&pkg.UpdatedAt,
	)
	if err != nil {
		return Package{}, err
	}
	return pkg, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	if err := row.Scan(&ev.ID, &ev.PackageID, &ev.Status, &ev.Description, &ev.Location, &ev.EventTimestamp, &ev.CreatedAt); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
