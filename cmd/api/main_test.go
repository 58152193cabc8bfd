package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parceltrack/auth"
	"parceltrack/ratelimit"
	"parceltrack/tracking"
)

type stubTrackingService struct {
	details      tracking.Details
	detailsErr   error
	created      tracking.Package
	createErr    error
	createParams tracking.CreateParams
	updated      tracking.Package
	updateErr    error
	updateParams tracking.UpdateParams
	statusResult tracking.StatusUpdate
	statusErr    error
	statusArgs   []string
	statusKey    string
	event        tracking.Event
	eventErr     error
	eventParams  tracking.EventParams
	deleteErr    error
	deleted      string
	list         []tracking.Package
	listErr      error
	listFilters  tracking.ListFilters
	byID         tracking.Package
	byIDErr      error
}

func (s *stubTrackingService) GetTrackingDetails(_ context.Context, _ string) (tracking.Details, error) {
	return s.details, s.detailsErr
}

func (s *stubTrackingService) CreatePackage(_ context.Context, params tracking.CreateParams) (tracking.Package, error) {
	s.createParams = params
	return s.created, s.createErr
}

func (s *stubTrackingService) UpdatePackage(_ context.Context, _ string, params tracking.UpdateParams) (tracking.Package, error) {
	s.updateParams = params
	return s.updated, s.updateErr
}

func (s *stubTrackingService) UpdatePackageStatus(ctx context.Context, number string, status tracking.Status, description, location string) (tracking.StatusUpdate, error) {
	s.statusKey = tracking.RequestKey(ctx)
	s.statusArgs = []string{number, string(status), description, location}
	return s.statusResult, s.statusErr
}

func (s *stubTrackingService) AddTrackingEvent(_ context.Context, _ string, params tracking.EventParams) (tracking.Event, error) {
	s.eventParams = params
	return s.event, s.eventErr
}

func (s *stubTrackingService) DeletePackage(_ context.Context, number string) error {
	s.deleted = number
	return s.deleteErr
}

func (s *stubTrackingService) ListPackages(_ context.Context, filters tracking.ListFilters) ([]tracking.Package, error) {
	s.listFilters = filters
	return s.list, s.listErr
}

func (s *stubTrackingService) GetPackageByID(_ context.Context, _ string) (tracking.Package, error) {
	return s.byID, s.byIDErr
}

type stubAuthService struct {
	loginResult auth.LoginResult
	loginErr    error
	registered  *auth.User
	registerErr error
	tokens      map[string]auth.Role
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.registered, s.registerErr
}

func (s *stubAuthService) VerifyToken(token string) (string, auth.Role, error) {
	role, ok := s.tokens[token]
	if !ok {
		return "", "", auth.ErrInvalidToken
	}
	return "user-" + token, role, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

var fixedTime = time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

func samplePackage() tracking.Package {
	return tracking.Package{
		ID:               "7b0c6f3e-0000-4000-8000-000000000001",
		TrackingNumber:   "SW123",
		Status:           tracking.StatusInTransit,
		ServiceType:      "Express",
		RecipientName:    "Dana Reyes",
		RecipientAddress: "400 Oak Ave, Portland, OR",
		SenderName:       "Acme Supply",
		SenderAddress:    "12 Elm St, Springfield, IL",
		CreatedAt:        fixedTime,
		UpdatedAt:        fixedTime,
	}
}

func withRole(req *http.Request, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, "user-1")
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body["error"]
}

func TestHandleTrack_Success(t *testing.T) {
	server := &Server{
		trackingService: &stubTrackingService{
			details: tracking.Details{
				Package: samplePackage(),
				Events: []tracking.Event{
					{ID: "e2", Status: "in_transit", Description: "Package in transit", Location: "Distribution Center", EventTimestamp: fixedTime.Add(time.Hour)},
					{ID: "e1", Status: "pending", Description: "Shipment information received", Location: "12 Elm St", EventTimestamp: fixedTime},
				},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/track/SW123", nil)
	rec := httptest.NewRecorder()

	server.handleTrack(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp trackingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Package.TrackingNumber != "SW123" || resp.Package.Status != "in_transit" || resp.Package.StatusLabel != "Package in transit" {
		t.Fatalf("unexpected package payload: %+v", resp.Package)
	}
	if len(resp.Events) != 2 || resp.Events[0].ID != "e2" {
		t.Fatalf("expected events newest first, got %+v", resp.Events)
	}
	if resp.Package.CreatedAt != fixedTime.Format(time.RFC3339) {
		t.Fatalf("expected created_at %s, got %s", fixedTime.Format(time.RFC3339), resp.Package.CreatedAt)
	}
}

func TestHandleTrack_NotFound(t *testing.T) {
	server := &Server{trackingService: &stubTrackingService{detailsErr: tracking.ErrNotFound}}

	req := httptest.NewRequest(http.MethodGet, "/api/track/NOPE", nil)
	rec := httptest.NewRecorder()

	server.handleTrack(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Tracking number not found" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestHandleTrack_InvalidPathAndMethod(t *testing.T) {
	server := &Server{trackingService: &stubTrackingService{}}

	rec := httptest.NewRecorder()
	server.handleTrack(rec, httptest.NewRequest(http.MethodGet, "/api/track/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleTrack(rec, httptest.NewRequest(http.MethodPost, "/api/track/SW123", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleTrack_UnexpectedError(t *testing.T) {
	server := &Server{trackingService: &stubTrackingService{detailsErr: errors.New("boom")}}

	rec := httptest.NewRecorder()
	server.handleTrack(rec, httptest.NewRequest(http.MethodGet, "/api/track/SW123", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Unexpected error occurred" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestRoutes_TrackIsRateLimited(t *testing.T) {
	server := NewServer(&stubTrackingService{details: tracking.Details{Package: samplePackage()}}, &stubAuthService{}, denyLimiter{})
	handler := server.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/track/SW123", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRoutes_TrackLimiterFailsOpen(t *testing.T) {
	server := NewServer(&stubTrackingService{details: tracking.Details{Package: samplePackage()}}, &stubAuthService{}, erroringLimiter{})

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/track/SW123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when limiter errors, got %d", rec.Code)
	}
}

func TestRoutes_TrackWithMemoryLimiter(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Policy{RPM: 1, Burst: 2})
	server := NewServer(&stubTrackingService{details: tracking.Details{Package: samplePackage()}}, &stubAuthService{}, limiter)
	handler := server.routes()

	codes := []int{}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/track/SW123", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestRoutes_AdminRequiresToken(t *testing.T) {
	server := NewServer(&stubTrackingService{}, &stubAuthService{tokens: map[string]auth.Role{"ops": auth.RoleOperator}}, nil)
	handler := server.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/packages", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/packages", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/packages", nil)
	req.Header.Set("Authorization", "Bearer ops")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator listing, got %d", rec.Code)
	}
}

func TestHandlePackages_ListWithFilters(t *testing.T) {
	stub := &stubTrackingService{list: []tracking.Package{samplePackage()}}
	server := &Server{trackingService: stub}

	req := withRole(httptest.NewRequest(http.MethodGet, "/api/admin/packages?status=in_transit&limit=10&offset=5&q=+Acme%20Supply+", nil), auth.RoleOperator)
	rec := httptest.NewRecorder()

	server.handlePackages(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []packageResponse `json:"items"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if payload.Count != 1 || payload.Items[0].TrackingNumber != "SW123" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if stub.listFilters.Status != tracking.StatusInTransit || stub.listFilters.Limit != 10 || stub.listFilters.Offset != 5 {
		t.Fatalf("unexpected filters %+v", stub.listFilters)
	}
	if stub.listFilters.Search != "Acme Supply" {
		t.Fatalf("expected trimmed search term, got %q", stub.listFilters.Search)
	}
}

func TestHandlePackages_ListBadLimit(t *testing.T) {
	server := &Server{trackingService: &stubTrackingService{}}

	req := withRole(httptest.NewRequest(http.MethodGet, "/api/admin/packages?limit=-1", nil), auth.RoleAdmin)
	rec := httptest.NewRecorder()
	server.handlePackages(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreatePackage_Success(t *testing.T) {
	stub := &stubTrackingService{created: samplePackage()}
	server := &Server{trackingService: stub}

	body := strings.NewReader(`{
		"tracking_number": "SW123",
		"service_type": "Express",
		"recipient_name": "Dana Reyes",
		"recipient_address": "400 Oak Ave, Portland, OR",
		"sender_name": "Acme Supply",
		"sender_address": "12 Elm St, Springfield, IL",
		"weight": "2 kg",
		"estimated_delivery": "2024-03-05"
	}`)
	req := withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages", body), auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handlePackages(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if stub.createParams.TrackingNumber != "SW123" || stub.createParams.Weight == nil || *stub.createParams.Weight != "2 kg" {
		t.Fatalf("unexpected create params %+v", stub.createParams)
	}
	if stub.createParams.EstimatedDelivery == nil || !stub.createParams.EstimatedDelivery.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected parsed estimated delivery, got %v", stub.createParams.EstimatedDelivery)
	}
}

func TestHandleCreatePackage_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"duplicate", tracking.ErrTrackingNumberExists, http.StatusConflict, "Tracking number already exists"},
		{"validation", fmt.Errorf("%w: sender_name is required", tracking.ErrInvalidInput), http.StatusBadRequest, "invalid input: sender_name is required"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "Failed to create package"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := &Server{trackingService: &stubTrackingService{createErr: tc.err}}
			req := withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages", strings.NewReader(`{"tracking_number":"SW123"}`)), auth.RoleAdmin)
			rec := httptest.NewRecorder()

			server.handlePackages(rec, req)

			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			if msg := decodeError(t, rec); msg != tc.msg {
				t.Fatalf("expected message %q, got %q", tc.msg, msg)
			}
		})
	}
}

func TestHandleCreatePackage_ForbidOperator(t *testing.T) {
	server := &Server{trackingService: &stubTrackingService{}}
	req := withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages", strings.NewReader(`{}`)), auth.RoleOperator)
	rec := httptest.NewRecorder()

	server.handlePackages(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCreatePackage_BadJSON(t *testing.T) {
	server := &Server{trackingService: &stubTrackingService{}}
	for _, body := range []string{`{"tracking_number":`, `{"unknown_field":1}`, ``} {
		req := withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages", strings.NewReader(body)), auth.RoleAdmin)
		rec := httptest.NewRecorder()
		server.handlePackages(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandleUpdatePackage(t *testing.T) {
	stub := &stubTrackingService{updated: samplePackage()}
	server := &Server{trackingService: stub}

	req := withRole(httptest.NewRequest(http.MethodPatch, "/api/admin/packages/SW123", strings.NewReader(`{"weight":"3 kg","status":"delivered"}`)), auth.RoleAdmin)
	rec := httptest.NewRecorder()
	server.handlePackageDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.updateParams.Weight == nil || *stub.updateParams.Weight != "3 kg" {
		t.Fatalf("expected weight in update params, got %+v", stub.updateParams)
	}
	if stub.updateParams.Status == nil || *stub.updateParams.Status != tracking.StatusDelivered {
		t.Fatalf("expected status in update params, got %+v", stub.updateParams)
	}
	if stub.updateParams.SenderName != nil {
		t.Fatalf("expected absent fields to stay nil")
	}

	stub.updateErr = tracking.ErrNotFound
	rec = httptest.NewRecorder()
	req = withRole(httptest.NewRequest(http.MethodPatch, "/api/admin/packages/SW999", strings.NewReader(`{"weight":"3 kg"}`)), auth.RoleAdmin)
	server.handlePackageDetail(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Package not found" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestHandleDeletePackage(t *testing.T) {
	stub := &stubTrackingService{}
	server := &Server{trackingService: stub}

	req := withRole(httptest.NewRequest(http.MethodDelete, "/api/admin/packages/SW123", nil), auth.RoleAdmin)
	rec := httptest.NewRecorder()
	server.handlePackageDetail(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if stub.deleted != "SW123" {
		t.Fatalf("expected SW123 deleted, got %q", stub.deleted)
	}

	req = withRole(httptest.NewRequest(http.MethodDelete, "/api/admin/packages/SW123", nil), auth.RoleOperator)
	rec = httptest.NewRecorder()
	server.handlePackageDetail(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator delete, got %d", rec.Code)
	}
}

func TestHandleUpdateStatus(t *testing.T) {
	pkg := samplePackage()
	pkg.Status = tracking.StatusOutForDelivery
	stub := &stubTrackingService{statusResult: tracking.StatusUpdate{
		Package: pkg,
		Event:   tracking.Event{ID: "e9", Status: "out_for_delivery", Description: "Out for delivery", Location: "400 Oak Ave", EventTimestamp: fixedTime},
	}}
	server := &Server{trackingService: stub}

	req := withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages/SW123/status", strings.NewReader(`{"status":"out_for_delivery"}`)), auth.RoleOperator)
	rec := httptest.NewRecorder()
	server.handlePackageDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusUpdateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Package.Status != "out_for_delivery" || resp.Event.ID != "e9" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if stub.statusArgs[0] != "SW123" || stub.statusArgs[1] != "out_for_delivery" || stub.statusArgs[2] != "" {
		t.Fatalf("unexpected status args %v", stub.statusArgs)
	}

	if stub.statusKey != "" {
		t.Fatalf("expected no request key without header, got %q", stub.statusKey)
	}

	req = withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages/SW123/status", strings.NewReader(`{"status":"out_for_delivery"}`)), auth.RoleOperator)
	req.Header.Set("Idempotency-Key", "scan-77")
	stub.statusErr = tracking.ErrDuplicateRequest
	rec = httptest.NewRecorder()
	server.handlePackageDetail(rec, req)
	if rec.Code != http.StatusConflict || stub.statusKey != "scan-77" {
		t.Fatalf("expected 409 with key scan-77, got %d key=%q", rec.Code, stub.statusKey)
	}

	stub.statusErr = fmt.Errorf("%w: %q", tracking.ErrInvalidStatus, "lost")
	rec = httptest.NewRecorder()
	req = withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages/SW123/status", strings.NewReader(`{"status":"lost"}`)), auth.RoleOperator)
	server.handlePackageDetail(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", rec.Code)
	}
}

func TestHandleAddEvent(t *testing.T) {
	stub := &stubTrackingService{event: tracking.Event{ID: "e5", Status: "Customs hold", EventTimestamp: fixedTime}}
	server := &Server{trackingService: stub}

	body := strings.NewReader(`{"status":"Customs hold","description":"Held for inspection","location":"Port","event_timestamp":"2024-03-01T07:00:00Z"}`)
	req := withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages/SW123/events", body), auth.RoleOperator)
	rec := httptest.NewRecorder()
	server.handlePackageDetail(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !stub.eventParams.EventTimestamp.Equal(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected parsed timestamp, got %v", stub.eventParams.EventTimestamp)
	}

	stub.eventErr = tracking.ErrNotFound
	rec = httptest.NewRecorder()
	req = withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages/SW404/events", strings.NewReader(`{"status":"x","description":"y"}`)), auth.RoleOperator)
	server.handlePackageDetail(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages/SW123/events", strings.NewReader(`{"status":"x","description":"y","event_timestamp":"yesterday"}`)), auth.RoleOperator)
	server.handlePackageDetail(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", rec.Code)
	}
}

func TestHandlePackageByID(t *testing.T) {
	stub := &stubTrackingService{byID: samplePackage()}
	server := &Server{trackingService: stub}

	req := withRole(httptest.NewRequest(http.MethodGet, "/api/admin/packages/id/7b0c6f3e-0000-4000-8000-000000000001", nil), auth.RoleOperator)
	rec := httptest.NewRecorder()
	server.handlePackageDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	stub.byIDErr = tracking.ErrNotFound
	rec = httptest.NewRecorder()
	server.handlePackageDetail(rec, withRole(httptest.NewRequest(http.MethodGet, "/api/admin/packages/id/missing", nil), auth.RoleOperator))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlePackageDetail_InvalidPath(t *testing.T) {
	server := &Server{trackingService: &stubTrackingService{}}

	for _, path := range []string{"/api/admin/packages/", "/api/admin/packages/a/b/c"} {
		rec := httptest.NewRecorder()
		server.handlePackageDetail(rec, withRole(httptest.NewRequest(http.MethodGet, path, nil), auth.RoleAdmin))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	server.handlePackageDetail(rec, withRole(httptest.NewRequest(http.MethodPost, "/api/admin/packages/SW1/labels", nil), auth.RoleAdmin))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sub-resource, got %d", rec.Code)
	}
}

func TestHandleLogin(t *testing.T) {
	expires := fixedTime.Add(24 * time.Hour)
	server := &Server{authService: &stubAuthService{loginResult: auth.LoginResult{
		Token:     "tok",
		ExpiresAt: expires,
		User:      auth.User{ID: "u1", Email: "dana@example.com", FullName: "Dana", Role: auth.RoleAdmin},
	}}}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"dana@example.com","password":"supersafe"}`))
	rec := httptest.NewRecorder()
	server.handleLogin(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token != "tok" || resp.User.Role != "admin" || resp.ExpiresAt != expires.Format(time.RFC3339) {
		t.Fatalf("unexpected login response %+v", resp)
	}

	server.authService = &stubAuthService{loginErr: auth.ErrInvalidCredentials}
	rec = httptest.NewRecorder()
	server.handleLogin(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"x","password":"y"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleRegister(t *testing.T) {
	server := &Server{authService: &stubAuthService{registered: &auth.User{ID: "u2", Email: "ops@example.com", Role: auth.RoleOperator}}}

	body := `{"email":"ops@example.com","password":"supersafe","full_name":"Ops"}`
	rec := httptest.NewRecorder()
	server.handleRegister(rec, withRole(httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body)), auth.RoleAdmin))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleRegister(rec, withRole(httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body)), auth.RoleOperator))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator, got %d", rec.Code)
	}

	server.authService = &stubAuthService{registerErr: auth.ErrDuplicateEmail}
	rec = httptest.NewRecorder()
	server.handleRegister(rec, withRole(httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body)), auth.RoleAdmin))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	server.authService = &stubAuthService{registerErr: auth.ErrWeakPassword}
	rec = httptest.NewRecorder()
	server.handleRegister(rec, withRole(httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body)), auth.RoleAdmin))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server := &Server{}
	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	server.ready = func(context.Context) error { return errors.New("db down") }
	rec = httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/track/SW1", nil)
	req.RemoteAddr = "198.51.100.4:4242"
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")

	if got := (&Server{}).clientIP(req); got != "198.51.100.4" {
		t.Fatalf("expected remote addr without trusted proxy, got %q", got)
	}
	if got := (&Server{trustProxy: true}).clientIP(req); got != "203.0.113.1" {
		t.Fatalf("expected forwarded client ip, got %q", got)
	}
}
