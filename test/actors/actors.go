package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"parceltrack/outbox"
	"parceltrack/tracking"
)

// Fleet is the shared set of tracking numbers every actor works on.
type Fleet []string

func (f Fleet) pick() string {
	return f[rand.Intn(len(f))]
}

// expected reports errors that concurrent actors and chaos are allowed to
// cause: lost races, deleted packages and killed backends.
func expected(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, tracking.ErrNotFound) || errors.Is(err, tracking.ErrTrackingNumberExists) {
		return true
	}
	// Anything else tracking classifies as bad input means the actor or the
	// service disagree about validation, which is a real failure.
	return !errors.Is(err, tracking.ErrInvalidInput) && !errors.Is(err, tracking.ErrInvalidStatus)
}

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

func done(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func params(number string) tracking.CreateParams {
	return tracking.CreateParams{
		TrackingNumber:   number,
		ServiceType:      "Express",
		RecipientName:    "Stress Recipient",
		RecipientAddress: "1 Test Way, Springfield",
		SenderName:       "Stress Sender",
		SenderAddress:    "2 Load Ave, Shelbyville",
	}
}

// Creator keeps (re)creating fleet packages. Most attempts lose the race
// against the unique tracking number and must fail cleanly.
func Creator(ctx context.Context, svc *tracking.Service, fleet Fleet, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		if _, err := svc.CreatePackage(ctx, params(fleet.pick())); !expected(err) {
			return fmt.Errorf("creator: %w", err)
		}
		pause(10, 20)
	}
}

// Scanner applies random status updates, the way depot scanners would.
func Scanner(ctx context.Context, svc *tracking.Service, fleet Fleet, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		status := tracking.Statuses[rand.Intn(len(tracking.Statuses))]
		if _, err := svc.UpdatePackageStatus(ctx, fleet.pick(), status, "", ""); !expected(err) {
			return fmt.Errorf("scanner %s: %w", status, err)
		}
		pause(5, 15)
	}
}

// EventWriter appends events that mix package statuses with free text.
func EventWriter(ctx context.Context, svc *tracking.Service, fleet Fleet, stop <-chan struct{}) error {
	freeText := []string{"Customs hold", "Weather delay", "Arrived at hub"}
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		status := freeText[rand.Intn(len(freeText))]
		if rand.Intn(2) == 0 {
			status = string(tracking.Statuses[rand.Intn(len(tracking.Statuses))])
		}
		ev := tracking.EventParams{Status: status, Description: "stress event " + status}
		if _, err := svc.AddTrackingEvent(ctx, fleet.pick(), ev); !expected(err) {
			return fmt.Errorf("event writer %q: %w", status, err)
		}
		pause(15, 35)
	}
}

// Editor issues partial updates, sometimes carrying a status change.
func Editor(ctx context.Context, svc *tracking.Service, fleet Fleet, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		weight := fmt.Sprintf("%d kg", 1+rand.Intn(40))
		upd := tracking.UpdateParams{Weight: &weight}
		if rand.Intn(3) == 0 {
			st := tracking.Statuses[rand.Intn(len(tracking.Statuses))]
			upd.Status = &st
		}
		if _, err := svc.UpdatePackage(ctx, fleet.pick(), upd); !expected(err) {
			return fmt.Errorf("editor: %w", err)
		}
		pause(20, 40)
	}
}

// Deleter removes a random package now and then; Creator brings it back.
func Deleter(ctx context.Context, svc *tracking.Service, fleet Fleet, stop <-chan struct{}) error {
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		if err := svc.DeletePackage(ctx, fleet.pick()); !expected(err) {
			return fmt.Errorf("deleter: %w", err)
		}
		pause(200, 200)
	}
}

type flakyPublisher struct{}

func (flakyPublisher) Publish(context.Context, outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker outage")
	}
	return nil
}

// OutboxWorker drains the outbox through a relay whose publisher fails one
// message in ten.
func OutboxWorker(ctx context.Context, pool outbox.TxBeginner, store outbox.Store, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, store, flakyPublisher{}).
		WithBatchSize(20).
		WithMaxAttempts(3).
		WithBackoff(100*time.Millisecond, time.Second)
	for {
		if stopped, err := done(ctx, stop); stopped {
			return err
		}
		// Batch errors come from killed backends; the next pass retries.
		_, _ = relay.RunOnce(ctx)
		pause(50, 50)
	}
}
