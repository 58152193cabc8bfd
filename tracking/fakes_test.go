package tracking

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakePool struct {
	txs      []*fakeTx
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type storedEvent struct {
	Event
	seq int
}

// fakeRepo applies writes immediately; the tests assert on commit and
// rollback through fakeTx instead.
type fakeRepo struct {
	mu            sync.Mutex
	packages      map[string]Package
	events        []storedEvent
	seq           int
	setStatusCall int
	listEventsErr error
	insertEvErr   error
	requestKeys   map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{packages: map[string]Package{}, requestKeys: map[string]bool{}}
}

func (f *fakeRepo) byNumber(trackingNumber string) (Package, bool) {
	for _, p := range f.packages {
		if p.TrackingNumber == trackingNumber {
			return p, true
		}
	}
	return Package{}, false
}

func (f *fakeRepo) GetByTrackingNumber(ctx context.Context, trackingNumber string) (Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byNumber(trackingNumber)
	if !ok {
		return Package{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packages[id]
	if !ok {
		return Package{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) List(ctx context.Context, filters ListFilters) ([]Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []Package{}
	for _, p := range f.packages {
		if filters.Status != "" && p.Status != filters.Status {
			continue
		}
		if filters.Search != "" && !matchesSearch(p, filters.Search) {
			continue
		}
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if filters.Offset > 0 {
		if filters.Offset >= len(list) {
			return []Package{}, nil
		}
		list = list[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(list) {
		list = list[:filters.Limit]
	}
	return list, nil
}

func matchesSearch(p Package, term string) bool {
	term = strings.ToLower(term)
	fields := []string{p.TrackingNumber, p.RecipientName, p.SenderName}
	for _, opt := range []*string{p.CurrentLocation, p.Destination} {
		if opt != nil {
			fields = append(fields, *opt)
		}
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

func (f *fakeRepo) ListEvents(ctx context.Context, packageID string) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listEventsErr != nil {
		return nil, f.listEventsErr
	}
	matched := []storedEvent{}
	for _, ev := range f.events {
		if ev.PackageID == packageID {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EventTimestamp.Equal(matched[j].EventTimestamp) {
			return matched[i].EventTimestamp.After(matched[j].EventTimestamp)
		}
		return matched[i].seq > matched[j].seq
	})
	out := make([]Event, 0, len(matched))
	for _, ev := range matched {
		out = append(out, ev.Event)
	}
	return out, nil
}

func (f *fakeRepo) TrackingNumberTaken(ctx context.Context, tx pgx.Tx, trackingNumber string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byNumber(trackingNumber)
	return ok, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, trackingNumber string) (Package, error) {
	return f.GetByTrackingNumber(ctx, trackingNumber)
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, pkg Package) (Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byNumber(pkg.TrackingNumber); ok {
		return Package{}, ErrTrackingNumberExists
	}
	f.packages[pkg.ID] = pkg
	return pkg, nil
}

func (f *fakeRepo) Update(ctx context.Context, tx pgx.Tx, id string, params UpdateParams, updatedAt time.Time) (Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packages[id]
	if !ok {
		return Package{}, ErrNotFound
	}
	if params.TrackingNumber != nil {
		p.TrackingNumber = *params.TrackingNumber
	}
	if params.Status != nil {
		p.Status = *params.Status
	}
	if params.ServiceType != nil {
		p.ServiceType = *params.ServiceType
	}
	if params.RecipientName != nil {
		p.RecipientName = *params.RecipientName
	}
	if params.RecipientAddress != nil {
		p.RecipientAddress = *params.RecipientAddress
	}
	if params.SenderName != nil {
		p.SenderName = *params.SenderName
	}
	if params.SenderAddress != nil {
		p.SenderAddress = *params.SenderAddress
	}
	if params.CurrentLocation != nil {
		p.CurrentLocation = params.CurrentLocation
	}
	if params.LastLocation != nil {
		p.LastLocation = params.LastLocation
	}
	if params.Destination != nil {
		p.Destination = params.Destination
	}
	if params.Weight != nil {
		p.Weight = params.Weight
	}
	if params.Dimensions != nil {
		p.Dimensions = params.Dimensions
	}
	if params.EstimatedDelivery != nil {
		p.EstimatedDelivery = params.EstimatedDelivery
	}
	p.UpdatedAt = updatedAt
	f.packages[id] = p
	return p, nil
}

func (f *fakeRepo) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, updatedAt time.Time) (Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packages[id]
	if !ok {
		return Package{}, ErrNotFound
	}
	f.setStatusCall++
	p.Status = status
	p.UpdatedAt = updatedAt
	f.packages[id] = p
	return p, nil
}

func (f *fakeRepo) InsertEvent(ctx context.Context, tx pgx.Tx, ev Event) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertEvErr != nil {
		return Event{}, f.insertEvErr
	}
	if _, ok := f.packages[ev.PackageID]; !ok {
		return Event{}, errors.New("fakeRepo: foreign key violation")
	}
	f.seq++
	f.events = append(f.events, storedEvent{Event: ev, seq: f.seq})
	return ev, nil
}

func (f *fakeRepo) ReserveRequestKey(ctx context.Context, tx pgx.Tx, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestKeys[key] {
		return ErrDuplicateRequest
	}
	f.requestKeys[key] = true
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.packages[id]; !ok {
		return ErrNotFound
	}
	delete(f.packages, id)
	kept := f.events[:0]
	for _, ev := range f.events {
		if ev.PackageID != id {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	return nil
}

func (f *fakeRepo) eventCount(packageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.PackageID == packageID {
			n++
		}
	}
	return n
}

type recordedMessage struct {
	topic   string
	payload map[string]any
}

type fakeOutbox struct {
	messages []recordedMessage
	err      error
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, recordedMessage{topic: topic, payload: payload})
	return nil
}

// tickingClock advances one minute per call so events get distinct timestamps.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Minute)
		return current
	}
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}
