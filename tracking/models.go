package tracking

import "time"

type Status string

const (
	StatusPending        Status = "pending"
	StatusPickedUp       Status = "picked_up"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusException      Status = "exception"
)

// Statuses lists every package status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusPickedUp,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
	StatusException,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPickedUp, StatusInTransit, StatusOutForDelivery, StatusDelivered, StatusException:
		return true
	default:
		return false
	}
}

// Package mirrors a row of tracking_packages.
type Package struct {
	ID                string
	TrackingNumber    string
	Status            Status
	ServiceType       string
	RecipientName     string
	RecipientAddress  string
	SenderName        string
	SenderAddress     string
	CurrentLocation   *string
	LastLocation      *string
	Destination       *string
	Weight            *string
	Dimensions        *string
	EstimatedDelivery *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event is a single timestamped entry in a package's tracking history.
// Status is free text; it is not restricted to the package Status values.
type Event struct {
	ID             string
	PackageID      string
	Status         string
	Description    string
	Location       string
	EventTimestamp time.Time
	CreatedAt      time.Time
}

// Details is what a tracking lookup returns: the package and its events,
// newest first.
type Details struct {
	Package Package
	Events  []Event
}

type CreateParams struct {
	TrackingNumber    string
	ServiceType       string
	RecipientName     string
	RecipientAddress  string
	SenderName        string
	SenderAddress     string
	Destination       *string
	Weight            *string
	Dimensions        *string
	EstimatedDelivery *time.Time

	// Status defaults to StatusPending.
	Status Status
}

// UpdateParams is a partial update; nil fields are left untouched.
type UpdateParams struct {
	TrackingNumber    *string
	Status            *Status
	ServiceType       *string
	RecipientName     *string
	RecipientAddress  *string
	SenderName        *string
	SenderAddress     *string
	CurrentLocation   *string
	LastLocation      *string
	Destination       *string
	Weight            *string
	Dimensions        *string
	EstimatedDelivery *time.Time
}

func (p UpdateParams) empty() bool {
	return p.TrackingNumber == nil && p.Status == nil && p.ServiceType == nil &&
		p.RecipientName == nil && p.RecipientAddress == nil && p.SenderName == nil &&
		p.SenderAddress == nil && p.CurrentLocation == nil && p.LastLocation == nil &&
		p.Destination == nil && p.Weight == nil && p.Dimensions == nil && p.EstimatedDelivery == nil
}

type EventParams struct {
	Status      string
	Description string
	Location    string

	// EventTimestamp defaults to the service clock when zero.
	EventTimestamp time.Time
}

// StatusUpdate is returned by UpdatePackageStatus.
type StatusUpdate struct {
	Package Package
	Event   Event
}

type ListFilters struct {
	Status Status
	// Search matches a case-insensitive substring of the tracking number,
	// sender or recipient name, current location or destination.
	Search string

	// Limit <= 0 returns every matching package.
	Limit  int
	Offset int
}
