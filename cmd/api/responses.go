package main

import (
	"fmt"
	"strings"
	"time"

	"parceltrack/auth"
	"parceltrack/tracking"
)

type packageResponse struct {
	ID                string  `json:"id"`
	TrackingNumber    string  `json:"tracking_number"`
	Status            string  `json:"status"`
	StatusLabel       string  `json:"status_label"`
	ServiceType       string  `json:"service_type"`
	RecipientName     string  `json:"recipient_name"`
	RecipientAddress  string  `json:"recipient_address"`
	SenderName        string  `json:"sender_name"`
	SenderAddress     string  `json:"sender_address"`
	CurrentLocation   *string `json:"current_location,omitempty"`
	LastLocation      *string `json:"last_location,omitempty"`
	Destination       *string `json:"destination,omitempty"`
	Weight            *string `json:"weight,omitempty"`
	Dimensions        *string `json:"dimensions,omitempty"`
	EstimatedDelivery *string `json:"estimated_delivery,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type eventResponse struct {
	ID             string `json:"id"`
	PackageID      string `json:"package_id"`
	Status         string `json:"status"`
	Description    string `json:"description"`
	Location       string `json:"location"`
	EventTimestamp string `json:"event_timestamp"`
	CreatedAt      string `json:"created_at"`
}

type trackingResponse struct {
	Package packageResponse `json:"package"`
	Events  []eventResponse `json:"events"`
}

type statusUpdateResponse struct {
	Package packageResponse `json:"package"`
	Event   eventResponse   `json:"event"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      userResponse `json:"user"`
}

type createPackageRequest struct {
	TrackingNumber    string  `json:"tracking_number"`
	ServiceType       string  `json:"service_type"`
	RecipientName     string  `json:"recipient_name"`
	RecipientAddress  string  `json:"recipient_address"`
	SenderName        string  `json:"sender_name"`
	SenderAddress     string  `json:"sender_address"`
	Destination       *string `json:"destination"`
	Weight            *string `json:"weight"`
	Dimensions        *string `json:"dimensions"`
	EstimatedDelivery *string `json:"estimated_delivery"`
	Status            string  `json:"status"`
}

type updatePackageRequest struct {
	TrackingNumber    *string `json:"tracking_number"`
	Status            *string `json:"status"`
	ServiceType       *string `json:"service_type"`
	RecipientName     *string `json:"recipient_name"`
	RecipientAddress  *string `json:"recipient_address"`
	SenderName        *string `json:"sender_name"`
	SenderAddress     *string `json:"sender_address"`
	CurrentLocation   *string `json:"current_location"`
	LastLocation      *string `json:"last_location"`
	Destination       *string `json:"destination"`
	Weight            *string `json:"weight"`
	Dimensions        *string `json:"dimensions"`
	EstimatedDelivery *string `json:"estimated_delivery"`
}

type statusUpdateRequest struct {
	Status      string `json:"status"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type addEventRequest struct {
	Status         string  `json:"status"`
	Description    string  `json:"description"`
	Location       string  `json:"location"`
	EventTimestamp *string `json:"event_timestamp"`
}

func toPackageResponse(p tracking.Package) packageResponse {
	resp := packageResponse{
		ID:               p.ID,
		TrackingNumber:   p.TrackingNumber,
		Status:           string(p.Status),
		StatusLabel:      tracking.Description(p.Status),
		ServiceType:      p.ServiceType,
		RecipientName:    p.RecipientName,
		RecipientAddress: p.RecipientAddress,
		SenderName:       p.SenderName,
		SenderAddress:    p.SenderAddress,
		CurrentLocation:  p.CurrentLocation,
		LastLocation:     p.LastLocation,
		Destination:      p.Destination,
		Weight:           p.Weight,
		Dimensions:       p.Dimensions,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.EstimatedDelivery != nil {
		v := p.EstimatedDelivery.UTC().Format(time.RFC3339)
		resp.EstimatedDelivery = &v
	}
	return resp
}

func toEventResponse(e tracking.Event) eventResponse {
	return eventResponse{
		ID:             e.ID,
		PackageID:      e.PackageID,
		Status:         e.Status,
		Description:    e.Description,
		Location:       e.Location,
		EventTimestamp: e.EventTimestamp.UTC().Format(time.RFC3339),
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toTrackingResponse(d tracking.Details) trackingResponse {
	events := make([]eventResponse, 0, len(d.Events))
	for _, e := range d.Events {
		events = append(events, toEventResponse(e))
	}
	return trackingResponse{Package: toPackageResponse(d.Package), Events: events}
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: string(u.Role)}
}

// parseTime accepts RFC 3339 timestamps and plain dates as sent by date inputs.
func parseTime(field string, raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	v := strings.TrimSpace(*raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be an RFC 3339 timestamp or YYYY-MM-DD date", field)
}

func (req createPackageRequest) params() (tracking.CreateParams, error) {
	eta, err := parseTime("estimated_delivery", req.EstimatedDelivery)
	if err != nil {
		return tracking.CreateParams{}, err
	}
	return tracking.CreateParams{
		TrackingNumber:    req.TrackingNumber,
		ServiceType:       req.ServiceType,
		RecipientName:     req.RecipientName,
		RecipientAddress:  req.RecipientAddress,
		SenderName:        req.SenderName,
		SenderAddress:     req.SenderAddress,
		Destination:       req.Destination,
		Weight:            req.Weight,
		Dimensions:        req.Dimensions,
		EstimatedDelivery: eta,
		Status:            tracking.Status(strings.TrimSpace(req.Status)),
	}, nil
}

func (req updatePackageRequest) params() (tracking.UpdateParams, error) {
	eta, err := parseTime("estimated_delivery", req.EstimatedDelivery)
	if err != nil {
		return tracking.UpdateParams{}, err
	}
	params := tracking.UpdateParams{
		TrackingNumber:    req.TrackingNumber,
		ServiceType:       req.ServiceType,
		RecipientName:     req.RecipientName,
		RecipientAddress:  req.RecipientAddress,
		SenderName:        req.SenderName,
		SenderAddress:     req.SenderAddress,
		CurrentLocation:   req.CurrentLocation,
		LastLocation:      req.LastLocation,
		Destination:       req.Destination,
		Weight:            req.Weight,
		Dimensions:        req.Dimensions,
		EstimatedDelivery: eta,
	}
	if req.Status != nil {
		st := tracking.Status(strings.TrimSpace(*req.Status))
		params.Status = &st
	}
	return params, nil
}
