package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound             = errors.New("tracking: package not found")
	ErrTrackingNumberExists = errors.New("tracking: tracking number already exists")
	ErrInvalidStatus        = errors.New("tracking: invalid status")
	ErrInvalidInput         = errors.New("tracking: invalid input")
)

// Outbox topics emitted by Service.
const (
	TopicPackageCreated = "package.created"
	TopicPackageUpdated = "package.updated"
	TopicStatusChanged  = "package.status_changed"
	TopicEventAdded     = "package.event_added"
	TopicPackageDeleted = "package.deleted"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the package lifecycle. Every mutation locks the package row and
// writes the package, its tracking event and the outbox message in one
// transaction, so a package's status always matches its latest event.
type Service struct {
	pool        TxBeginner
	repo        Repository
	outbox      OutboxWriter
	idGenerator func() string
	numbers     func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		numbers:     NewTrackingNumber,
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithTrackingNumbers replaces the generator used when CreateParams carries no
// tracking number.
func (s *Service) WithTrackingNumbers(gen func() string) *Service {
	s.numbers = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetTrackingDetails returns the package with the given tracking number and
// its events ordered newest first.
func (s *Service) GetTrackingDetails(ctx context.Context, trackingNumber string) (Details, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return Details{}, ErrNotFound
	}

	pkg, err := s.repo.GetByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return Details{}, err
	}

	events, err := s.repo.ListEvents(ctx, pkg.ID)
	if err != nil {
		return Details{}, fmt.Errorf("tracking: fetch events: %w", err)
	}

	return Details{Package: pkg, Events: events}, nil
}

// CreatePackage inserts a package together with its seed tracking event. A
// blank tracking number is generated, and regenerated if it collides.
func (s *Service) CreatePackage(ctx context.Context, params CreateParams) (Package, error) {
	params.TrackingNumber = strings.TrimSpace(params.TrackingNumber)
	if err := validateCreate(params); err != nil {
		return Package{}, err
	}
	status := params.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return Package{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if params.TrackingNumber != "" {
		return s.createPackage(ctx, params, status)
	}
	for attempt := 1; ; attempt++ {
		params.TrackingNumber = s.numbers()
		created, err := s.createPackage(ctx, params, status)
		if !errors.Is(err, ErrTrackingNumberExists) || attempt == maxGenerateAttempts {
			return created, err
		}
	}
}

func (s *Service) createPackage(ctx context.Context, params CreateParams, status Status) (Package, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Package{}, fmt.Errorf("tracking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	taken, err := s.repo.TrackingNumberTaken(ctx, tx, params.TrackingNumber)
	if err != nil {
		return Package{}, err
	}
	if taken {
		return Package{}, ErrTrackingNumberExists
	}

	now := s.now().UTC()
	created, err := s.repo.Insert(ctx, tx, Package{
		ID:                s.idGenerator(),
		TrackingNumber:    params.TrackingNumber,
		Status:            status,
		ServiceType:       strings.TrimSpace(params.ServiceType),
		RecipientName:     strings.TrimSpace(params.RecipientName),
		RecipientAddress:  strings.TrimSpace(params.RecipientAddress),
		SenderName:        strings.TrimSpace(params.SenderName),
		SenderAddress:     strings.TrimSpace(params.SenderAddress),
		Destination:       params.Destination,
		Weight:            params.Weight,
		Dimensions:        params.Dimensions,
		EstimatedDelivery: params.EstimatedDelivery,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return Package{}, err
	}

	seed, err := s.repo.InsertEvent(ctx, tx, Event{
		ID:             s.idGenerator(),
		PackageID:      created.ID,
		Status:         string(created.Status),
		Description:    Description(created.Status),
		Location:       originLocation(created),
		EventTimestamp: now,
		CreatedAt:      now,
	})
	if err != nil {
		return Package{}, err
	}

	if err := s.enqueue(ctx, tx, TopicPackageCreated, map[string]any{
		"package_id":      created.ID,
		"tracking_number": created.TrackingNumber,
		"status":          created.Status,
		"event_id":        seed.ID,
	}); err != nil {
		return Package{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Package{}, fmt.Errorf("tracking: commit create: %w", err)
	}
	return created, nil
}

// UpdatePackage applies a partial update. Changing the status through it
// appends the matching tracking event.
func (s *Service) UpdatePackage(ctx context.Context, trackingNumber string, params UpdateParams) (Package, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if params.empty() {
		return Package{}, fmt.Errorf("%w: no fields to update", ErrInvalidInput)
	}
	if err := validateUpdate(&params); err != nil {
		return Package{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Package{}, fmt.Errorf("tracking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, trackingNumber)
	if err != nil {
		return Package{}, err
	}

	if params.TrackingNumber != nil && *params.TrackingNumber != current.TrackingNumber {
		taken, err := s.repo.TrackingNumberTaken(ctx, tx, *params.TrackingNumber)
		if err != nil {
			return Package{}, err
		}
		if taken {
			return Package{}, ErrTrackingNumberExists
		}
	}

	now := s.now().UTC()
	updated, err := s.repo.Update(ctx, tx, current.ID, params, now)
	if err != nil {
		return Package{}, err
	}

	payload := map[string]any{
		"package_id":      updated.ID,
		"tracking_number": updated.TrackingNumber,
	}
	if updated.TrackingNumber != current.TrackingNumber {
		payload["previous_tracking_number"] = current.TrackingNumber
	}

	if updated.Status != current.Status {
		ev, err := s.repo.InsertEvent(ctx, tx, Event{
			ID:             s.idGenerator(),
			PackageID:      updated.ID,
			Status:         string(updated.Status),
			Description:    Description(updated.Status),
			Location:       DefaultLocation(updated.Status, updated),
			EventTimestamp: now,
			CreatedAt:      now,
		})
		if err != nil {
			return Package{}, err
		}
		payload["previous_status"] = current.Status
		payload["status"] = updated.Status
		payload["event_id"] = ev.ID
	}

	if err := s.enqueue(ctx, tx, TopicPackageUpdated, payload); err != nil {
		return Package{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Package{}, fmt.Errorf("tracking: commit update: %w", err)
	}
	return updated, nil
}

// UpdatePackageStatus sets a new status and records the matching event. Empty
// description and location fall back to the stock text for the status.
func (s *Service) UpdatePackageStatus(ctx context.Context, trackingNumber string, status Status, description, location string) (StatusUpdate, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if !status.Valid() {
		return StatusUpdate{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("tracking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, trackingNumber)
	if err != nil {
		return StatusUpdate{}, err
	}
	if err := s.reserveRequestKey(ctx, tx); err != nil {
		return StatusUpdate{}, err
	}

	now := s.now().UTC()
	updated, err := s.repo.SetStatus(ctx, tx, current.ID, status, now)
	if err != nil {
		return StatusUpdate{}, err
	}

	description = strings.TrimSpace(description)
	if description == "" {
		description = Description(status)
	}
	location = strings.TrimSpace(location)
	if location == "" {
		location = DefaultLocation(status, current)
	}

	ev, err := s.repo.InsertEvent(ctx, tx, Event{
		ID:             s.idGenerator(),
		PackageID:      current.ID,
		Status:         string(status),
		Description:    description,
		Location:       location,
		EventTimestamp: now,
		CreatedAt:      now,
	})
	if err != nil {
		return StatusUpdate{}, err
	}

	if err := s.enqueue(ctx, tx, TopicStatusChanged, map[string]any{
		"package_id":      current.ID,
		"tracking_number": current.TrackingNumber,
		"previous_status": current.Status,
		"status":          status,
		"event_id":        ev.ID,
		"location":        location,
	}); err != nil {
		return StatusUpdate{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StatusUpdate{}, fmt.Errorf("tracking: commit status update: %w", err)
	}
	return StatusUpdate{Package: updated, Event: ev}, nil
}

// AddTrackingEvent appends an arbitrary event. When the event status is a
// known package status different from the current one, the package status
// follows it.
func (s *Service) AddTrackingEvent(ctx context.Context, trackingNumber string, params EventParams) (Event, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	params.Status = strings.TrimSpace(params.Status)
	params.Description = strings.TrimSpace(params.Description)
	params.Location = strings.TrimSpace(params.Location)
	if params.Status == "" {
		return Event{}, fmt.Errorf("%w: event status is required", ErrInvalidInput)
	}
	if params.Description == "" {
		return Event{}, fmt.Errorf("%w: event description is required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("tracking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, trackingNumber)
	if err != nil {
		return Event{}, err
	}
	if err := s.reserveRequestKey(ctx, tx); err != nil {
		return Event{}, err
	}

	now := s.now().UTC()
	ts := params.EventTimestamp
	if ts.IsZero() {
		ts = now
	}
	location := params.Location
	if location == "" {
		location = DefaultLocation(Status(params.Status), current)
	}

	ev, err := s.repo.InsertEvent(ctx, tx, Event{
		ID:             s.idGenerator(),
		PackageID:      current.ID,
		Status:         params.Status,
		Description:    params.Description,
		Location:       location,
		EventTimestamp: ts.UTC(),
		CreatedAt:      now,
	})
	if err != nil {
		return Event{}, err
	}

	next := Status(params.Status)
	synced := next.Valid() && next != current.Status
	if synced {
		if _, err := s.repo.SetStatus(ctx, tx, current.ID, next, now); err != nil {
			return Event{}, err
		}
	}

	if err := s.enqueue(ctx, tx, TopicEventAdded, map[string]any{
		"package_id":      current.ID,
		"tracking_number": current.TrackingNumber,
		"event_id":        ev.ID,
		"event_status":    ev.Status,
		"status_synced":   synced,
	}); err != nil {
		return Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("tracking: commit event: %w", err)
	}
	return ev, nil
}

// DeletePackage removes a package and, through the foreign key cascade, its
// events.
func (s *Service) DeletePackage(ctx context.Context, trackingNumber string) error {
	trackingNumber = strings.TrimSpace(trackingNumber)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tracking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, trackingNumber)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tx, current.ID); err != nil {
		return err
	}

	if err := s.enqueue(ctx, tx, TopicPackageDeleted, map[string]any{
		"package_id":      current.ID,
		"tracking_number": current.TrackingNumber,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tracking: commit delete: %w", err)
	}
	return nil
}

// ListPackages returns packages newest first. Zero filters return everything.
func (s *Service) ListPackages(ctx context.Context, filters ListFilters) ([]Package, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filters.Status)
	}
	filters.Search = strings.TrimSpace(filters.Search)
	if filters.Limit < 0 || filters.Offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrInvalidInput)
	}
	return s.repo.List(ctx, filters)
}

func (s *Service) GetPackageByID(ctx context.Context, id string) (Package, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return Package{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, parsed.String())
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("tracking: enqueue %s: %w", topic, err)
	}
	return nil
}

func validateCreate(p CreateParams) error {
	required := []struct {
		name  string
		value string
	}{
		{"service_type", p.ServiceType},
		{"recipient_name", p.RecipientName},
		{"recipient_address", p.RecipientAddress},
		{"sender_name", p.SenderName},
		{"sender_address", p.SenderAddress},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidInput, f.name)
		}
	}
	return nil
}

func validateUpdate(p *UpdateParams) error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *p.Status)
	}
	fields := []struct {
		name  string
		value **string
	}{
		{"tracking_number", &p.TrackingNumber},
		{"service_type", &p.ServiceType},
		{"recipient_name", &p.RecipientName},
		{"recipient_address", &p.RecipientAddress},
		{"sender_name", &p.SenderName},
		{"sender_address", &p.SenderAddress},
	}
	for _, f := range fields {
		if *f.value == nil {
			continue
		}
		trimmed := strings.TrimSpace(**f.value)
		if trimmed == "" {
			return fmt.Errorf("%w: %s cannot be blank", ErrInvalidInput, f.name)
		}
		*f.value = &trimmed
	}
	return nil
}
