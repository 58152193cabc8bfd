package main

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parceltrack/auth"
	"parceltrack/tracking"
)

const (
	msgTrackingNotFound = "Tracking number not found"
	msgPackageNotFound  = "Package not found"
	msgDuplicate        = "Tracking number already exists"
	msgUnexpected       = "Unexpected error occurred"
	msgReplayed         = "Request already applied"
)

// handleTrack serves GET /api/track/{trackingNumber}.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	number := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/track/"))
	if number == "" || strings.Contains(number, "/") {
		writeError(w, r, http.StatusBadRequest, "Tracking number is required")
		return
	}

	details, err := s.trackingService.GetTrackingDetails(r.Context(), number)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, msgTrackingNotFound)
			return
		}
		log.Printf("track: lookup failed number=%s err=%v", number, err)
		writeError(w, r, http.StatusInternalServerError, msgUnexpected)
		return
	}
	writeJSON(w, r, http.StatusOK, toTrackingResponse(details))
}

// handlePackages serves /api/admin/packages.
func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListPackages(w, r)
	case http.MethodPost:
		s.handleCreatePackage(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ActionReadPackages) {
		return
	}
	q := r.URL.Query()
	filters := tracking.ListFilters{
		Status: tracking.Status(strings.TrimSpace(q.Get("status"))),
		Search: strings.TrimSpace(q.Get("q")),
	}
	for name, dst := range map[string]*int{"limit": &filters.Limit, "offset": &filters.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	list, err := s.trackingService.ListPackages(r.Context(), filters)
	if err != nil {
		if isValidationError(err) {
			writeError(w, r, http.StatusBadRequest, clientMessage(err))
			return
		}
		log.Printf("packages: list failed err=%v", err)
		writeError(w, r, http.StatusInternalServerError, "Failed to fetch packages")
		return
	}

	items := make([]packageResponse, 0, len(list))
	for _, p := range list {
		items = append(items, toPackageResponse(p))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ActionManagePackages) {
		return
	}
	var req createPackageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pkg, err := s.trackingService.CreatePackage(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, tracking.ErrTrackingNumberExists):
			writeError(w, r, http.StatusConflict, msgDuplicate)
		case isValidationError(err):
			writeError(w, r, http.StatusBadRequest, clientMessage(err))
		default:
			log.Printf("packages: create failed number=%s err=%v", params.TrackingNumber, err)
			writeError(w, r, http.StatusInternalServerError, "Failed to create package")
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, toPackageResponse(pkg))
}

// handlePackageDetail serves /api/admin/packages/{trackingNumber}[/status|/events]
// and /api/admin/packages/id/{id}.
func (s *Server) handlePackageDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/packages/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeError(w, r, http.StatusBadRequest, "invalid package path")
		return
	}

	if len(parts) == 2 {
		if parts[0] == "id" {
			s.handlePackageByID(w, r, parts[1])
			return
		}
		switch parts[1] {
		case "status":
			s.handleUpdateStatus(w, r, parts[0])
		case "events":
			s.handleAddEvent(w, r, parts[0])
		default:
			writeError(w, r, http.StatusNotFound, "Not found")
		}
		return
	}

	number := parts[0]
	switch r.Method {
	case http.MethodGet:
		s.handlePackageDetails(w, r, number)
	case http.MethodPatch:
		s.handleUpdatePackage(w, r, number)
	case http.MethodDelete:
		s.handleDeletePackage(w, r, number)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (s *Server) handlePackageDetails(w http.ResponseWriter, r *http.Request, number string) {
	if !authorize(w, r, auth.ActionReadPackages) {
		return
	}
	details, err := s.trackingService.GetTrackingDetails(r.Context(), number)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, msgTrackingNotFound)
			return
		}
		log.Printf("packages: details failed number=%s err=%v", number, err)
		writeError(w, r, http.StatusInternalServerError, msgUnexpected)
		return
	}
	writeJSON(w, r, http.StatusOK, toTrackingResponse(details))
}

func (s *Server) handlePackageByID(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !authorize(w, r, auth.ActionReadPackages) {
		return
	}
	pkg, err := s.trackingService.GetPackageByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, msgPackageNotFound)
			return
		}
		log.Printf("packages: get by id failed id=%s err=%v", id, err)
		writeError(w, r, http.StatusInternalServerError, msgUnexpected)
		return
	}
	writeJSON(w, r, http.StatusOK, toPackageResponse(pkg))
}

func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request, number string) {
	if !authorize(w, r, auth.ActionManagePackages) {
		return
	}
	var req updatePackageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pkg, err := s.trackingService.UpdatePackage(r.Context(), number, params)
	if err != nil {
		switch {
		case errors.Is(err, tracking.ErrNotFound):
			writeError(w, r, http.StatusNotFound, msgPackageNotFound)
		case errors.Is(err, tracking.ErrTrackingNumberExists):
			writeError(w, r, http.StatusConflict, msgDuplicate)
		case isValidationError(err):
			writeError(w, r, http.StatusBadRequest, clientMessage(err))
		default:
			log.Printf("packages: update failed number=%s err=%v", number, err)
			writeError(w, r, http.StatusInternalServerError, "Failed to update package")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, toPackageResponse(pkg))
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request, number string) {
	if !authorize(w, r, auth.ActionManagePackages) {
		return
	}
	if err := s.trackingService.DeletePackage(r.Context(), number); err != nil {
		if errors.Is(err, tracking.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, msgPackageNotFound)
			return
		}
		log.Printf("packages: delete failed number=%s err=%v", number, err)
		writeError(w, r, http.StatusInternalServerError, "Failed to delete package")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, number string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !authorize(w, r, auth.ActionScanPackages) {
		return
	}
	var req statusUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := tracking.WithRequestKey(r.Context(), r.Header.Get("Idempotency-Key"))
	res, err := s.trackingService.UpdatePackageStatus(ctx, number,
		tracking.Status(strings.TrimSpace(req.Status)), req.Description, req.Location)
	if err != nil {
		switch {
		case errors.Is(err, tracking.ErrNotFound):
			writeError(w, r, http.StatusNotFound, msgPackageNotFound)
		case errors.Is(err, tracking.ErrDuplicateRequest):
			writeError(w, r, http.StatusConflict, msgReplayed)
		case isValidationError(err):
			writeError(w, r, http.StatusBadRequest, clientMessage(err))
		default:
			log.Printf("packages: status update failed number=%s err=%v", number, err)
			writeError(w, r, http.StatusInternalServerError, "Failed to update package status")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, statusUpdateResponse{
		Package: toPackageResponse(res.Package),
		Event:   toEventResponse(res.Event),
	})
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request, number string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !authorize(w, r, auth.ActionScanPackages) {
		return
	}
	var req addEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ts, err := parseTime("event_timestamp", req.EventTimestamp)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	params := tracking.EventParams{Status: req.Status, Description: req.Description, Location: req.Location}
	if ts != nil {
		params.EventTimestamp = *ts
	}

	ctx := tracking.WithRequestKey(r.Context(), r.Header.Get("Idempotency-Key"))
	ev, err := s.trackingService.AddTrackingEvent(ctx, number, params)
	if err != nil {
		switch {
		case errors.Is(err, tracking.ErrNotFound):
			writeError(w, r, http.StatusNotFound, msgPackageNotFound)
		case errors.Is(err, tracking.ErrDuplicateRequest):
			writeError(w, r, http.StatusConflict, msgReplayed)
		case isValidationError(err):
			writeError(w, r, http.StatusBadRequest, clientMessage(err))
		default:
			log.Printf("packages: add event failed number=%s err=%v", number, err)
			writeError(w, r, http.StatusInternalServerError, "Failed to add tracking event")
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, toEventResponse(ev))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		log.Printf("auth: login failed err=%v", err)
		writeError(w, r, http.StatusInternalServerError, msgUnexpected)
		return
	}
	writeJSON(w, r, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User:      toUserResponse(res.User),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !authorize(w, r, auth.ActionManageStaff) {
		return
	}
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, r, http.StatusConflict, "Email already registered")
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrMissingFields), errors.Is(err, auth.ErrInvalidRole):
			writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: "))
		default:
			log.Printf("auth: register failed err=%v", err)
			writeError(w, r, http.StatusInternalServerError, msgUnexpected)
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, toUserResponse(*user))
}

func isValidationError(err error) bool {
	return errors.Is(err, tracking.ErrInvalidInput) || errors.Is(err, tracking.ErrInvalidStatus)
}

func clientMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "tracking: ")
}
