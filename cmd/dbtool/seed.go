package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"parceltrack/tracking"
)

// seedPackage is one entry of the seed file. History is replayed in order
// after the package is created, one status update per entry.
type seedPackage struct {
	TrackingNumber   string      `json:"tracking_number"`
	ServiceType      string      `json:"service_type"`
	RecipientName    string      `json:"recipient_name"`
	RecipientAddress string      `json:"recipient_address"`
	SenderName       string      `json:"sender_name"`
	SenderAddress    string      `json:"sender_address"`
	Destination      *string     `json:"destination"`
	Weight           *string     `json:"weight"`
	Dimensions       *string     `json:"dimensions"`
	History          []seedEvent `json:"history"`
}

type seedEvent struct {
	Status      string `json:"status"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type seedResult struct {
	Created int
	Skipped int
	Events  int
}

type packageSeeder interface {
	CreatePackage(ctx context.Context, params tracking.CreateParams) (tracking.Package, error)
	UpdatePackageStatus(ctx context.Context, trackingNumber string, status tracking.Status, description, location string) (tracking.StatusUpdate, error)
	DeletePackage(ctx context.Context, trackingNumber string) error
}

func readSeedFile(path string) ([]seedPackage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed packages: read %q: %w", path, err)
	}

	var items []seedPackage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("seed packages: parse json: %w", err)
	}

	for i, item := range items {
		if strings.TrimSpace(item.TrackingNumber) == "" {
			return nil, fmt.Errorf("seed packages: items[%d]: tracking_number cannot be empty", i)
		}
		for j, ev := range item.History {
			if !tracking.Status(ev.Status).Valid() {
				return nil, fmt.Errorf("seed packages: %s history[%d]: invalid status %q", item.TrackingNumber, j, ev.Status)
			}
		}
	}
	return items, nil
}

// seedPackages creates every package that does not exist yet. Existing
// tracking numbers are skipped so the seed can be rerun; a package whose
// history fails to replay is deleted again so the rerun seeds it in full.
func seedPackages(ctx context.Context, svc packageSeeder, items []seedPackage) (seedResult, error) {
	var res seedResult
	for _, item := range items {
		_, err := svc.CreatePackage(ctx, tracking.CreateParams{
			TrackingNumber:   item.TrackingNumber,
			ServiceType:      item.ServiceType,
			RecipientName:    item.RecipientName,
			RecipientAddress: item.RecipientAddress,
			SenderName:       item.SenderName,
			SenderAddress:    item.SenderAddress,
			Destination:      item.Destination,
			Weight:           item.Weight,
			Dimensions:       item.Dimensions,
		})
		if errors.Is(err, tracking.ErrTrackingNumberExists) {
			log.Printf("seed: skipping existing package number=%s", item.TrackingNumber)
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed packages: create %s: %w", item.TrackingNumber, err)
		}

		for _, ev := range item.History {
			if _, err := svc.UpdatePackageStatus(ctx, item.TrackingNumber, tracking.Status(ev.Status), ev.Description, ev.Location); err != nil {
				err = fmt.Errorf("seed packages: %s -> %s: %w", item.TrackingNumber, ev.Status, err)
				return res, errors.Join(err, discardPartial(ctx, svc, item.TrackingNumber))
			}
		}
		res.Created++
		res.Events += 1 + len(item.History)
	}
	return res, nil
}

func discardPartial(ctx context.Context, svc packageSeeder, trackingNumber string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := svc.DeletePackage(ctx, trackingNumber); err != nil {
		return fmt.Errorf("seed packages: remove partially seeded %s (delete it manually before rerunning): %w", trackingNumber, err)
	}
	log.Printf("seed: removed partially seeded package number=%s", trackingNumber)
	return nil
}
