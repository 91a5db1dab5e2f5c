package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"licensehub.org/internal/auth"
	"licensehub.org/internal/lease"
	"licensehub.org/internal/stream"
)

const testSecret = "test-secret"

type apiClient struct {
	baseURL string
	client  *http.Client
	tokens  *auth.Tokens
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	tokens, err := auth.NewTokens(testSecret)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	leases := lease.NewService(lease.NewMemoryStore())
	opts = append([]Option{WithRateLimit(1000, 1000), WithStream(stream.New(8))}, opts...)
	api := New(StoreReadiness{}, "test", leases, tokens, opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		tokens:  tokens,
		t:       t,
	}
}

func (c *apiClient) token(userID, role string) string {
	c.t.Helper()
	tok, _, err := c.tokens.GenerateToken(auth.Principal{UserID: userID, FirstName: userID, Role: role}, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) provision(admin, no string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/licenses", admin, map[string]any{
		"license_no":    no,
		"username":      "shared-" + no,
		"password":      "secret",
		"mail_password": "mail-secret",
	})
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("provision: unexpected status %d", resp.StatusCode)
	}
	view := decode[map[string]any](c.t, resp)
	id, _ := view["id"].(string)
	if id == "" {
		c.t.Fatalf("provision returned no id: %v", view)
	}
	return id
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
	return body
}

func TestLicenseLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("root", auth.RoleAdmin)
	alice := api.token("alice", auth.RoleUser)
	bob := api.token("bob", auth.RoleUser)

	id := api.provision(admin, "L-001")
	base := "/v1/licenses/" + id

	body := expectStatus(t, api.do(http.MethodPost, base+"/request", alice, nil), http.StatusOK)
	if body["reservation_expires_at"] == nil {
		t.Fatalf("missing reservation_expires_at: %v", body)
	}

	// Someone else cannot take or activate the reservation.
	expectStatus(t, api.do(http.MethodPost, base+"/request", bob, nil), http.StatusConflict)
	expectStatus(t, api.do(http.MethodPost, base+"/activate", bob, nil), http.StatusForbidden)

	body = expectStatus(t, api.do(http.MethodPost, base+"/activate", alice, nil), http.StatusOK)
	if body["expires_at"] == nil {
		t.Fatalf("missing expires_at: %v", body)
	}

	// Secrets are shown to the holder only.
	detail := expectStatus(t, api.do(http.MethodGet, base, alice, nil), http.StatusOK)
	if detail["password"] != "secret" || detail["status"] != string(lease.StatusActive) {
		t.Fatalf("holder detail: %v", detail)
	}
	detail = expectStatus(t, api.do(http.MethodGet, base, bob, nil), http.StatusOK)
	if _, ok := detail["password"]; ok {
		t.Fatalf("password leaked to non-holder: %v", detail)
	}

	// Two hours remain, well outside the extension window.
	expectStatus(t, api.do(http.MethodPost, base+"/extend", alice, nil), http.StatusBadRequest)
	expectStatus(t, api.do(http.MethodPost, base+"/cancel-reservation", alice, nil), http.StatusConflict)
	expectStatus(t, api.do(http.MethodPost, base+"/release", bob, nil), http.StatusForbidden)

	body = expectStatus(t, api.do(http.MethodPost, base+"/release", alice, nil), http.StatusOK)
	if body["message"] == "" {
		t.Fatalf("expected message: %v", body)
	}
	expectStatus(t, api.do(http.MethodPost, base+"/release", alice, nil), http.StatusBadRequest)

	list := expectStatus(t, api.do(http.MethodGet, "/v1/licenses", bob, nil), http.StatusOK)
	if list["total_count"] != float64(1) {
		t.Fatalf("unexpected list: %v", list)
	}
	lics := list["licenses"].([]any)
	first := lics[0].(map[string]any)
	if first["status"] != string(lease.StatusAvailable) || first["is_available"] != true {
		t.Fatalf("license not returned to pool: %v", first)
	}
	if _, ok := first["password"]; ok {
		t.Fatalf("list must not carry secrets: %v", first)
	}
}

func TestRequestSwitchesReservation(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("root", auth.RoleAdmin)
	alice := api.token("alice", auth.RoleUser)

	first := api.provision(admin, "L-001")
	second := api.provision(admin, "L-002")

	expectStatus(t, api.do(http.MethodPost, "/v1/licenses/"+first+"/request", alice, nil), http.StatusOK)
	expectStatus(t, api.do(http.MethodPost, "/v1/licenses/"+second+"/request", alice, nil), http.StatusOK)

	detail := expectStatus(t, api.do(http.MethodGet, "/v1/licenses/"+first, alice, nil), http.StatusOK)
	if detail["status"] != string(lease.StatusAvailable) {
		t.Fatalf("previous reservation should be cancelled: %v", detail)
	}
	expectStatus(t, api.do(http.MethodPost, "/v1/licenses/"+first+"/cancel-reservation", alice, nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodPost, "/v1/licenses/"+second+"/cancel-reservation", alice, nil), http.StatusOK)
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodGet, "/v1/licenses", "", nil)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	body := expectStatus(t, resp, http.StatusUnauthorized)
	if body["error"] == "" {
		t.Fatalf("expected error message")
	}

	expectStatus(t, api.do(http.MethodGet, "/v1/licenses", "not-a-jwt", nil), http.StatusUnauthorized)

	other, err := auth.NewTokens("other-secret")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	forged, _, err := other.GenerateToken(auth.Principal{UserID: "mallory", Role: auth.RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	expectStatus(t, api.do(http.MethodGet, "/v1/licenses", forged, nil), http.StatusUnauthorized)

	expectStatus(t, api.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("root", auth.RoleAdmin)
	alice := api.token("alice", auth.RoleUser)

	expectStatus(t, api.do(http.MethodPost, "/v1/licenses", alice, map[string]any{
		"license_no": "L-009", "username": "u",
	}), http.StatusForbidden)

	id := api.provision(admin, "L-001")
	expectStatus(t, api.do(http.MethodDelete, "/v1/licenses/"+id, alice, nil), http.StatusForbidden)
	expectStatus(t, api.do(http.MethodDelete, "/v1/licenses/"+id, admin, nil), http.StatusOK)
	expectStatus(t, api.do(http.MethodDelete, "/v1/licenses/"+id, admin, nil), http.StatusNotFound)
}

func TestProvisionValidation(t *testing.T) {
	api := newTestAPI(t)
	admin := api.token("root", auth.RoleAdmin)

	expectStatus(t, api.do(http.MethodPost, "/v1/licenses", admin, map[string]any{"license_no": "L-1"}), http.StatusBadRequest)
	expectStatus(t, api.do(http.MethodPost, "/v1/licenses", admin, map[string]any{"bogus": true}), http.StatusBadRequest)

	api.provision(admin, "L-001")
	expectStatus(t, api.do(http.MethodPost, "/v1/licenses", admin, map[string]any{
		"license_no": "l-001", "username": "x",
	}), http.StatusConflict)
}

func TestUnknownLicense(t *testing.T) {
	api := newTestAPI(t)
	alice := api.token("alice", auth.RoleUser)

	expectStatus(t, api.do(http.MethodGet, "/v1/licenses/missing", alice, nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodPost, "/v1/licenses/missing/request", alice, nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodGet, "/v1/nothing-here", alice, nil), http.StatusNotFound)
}

func TestCleanupExpired(t *testing.T) {
	api := newTestAPI(t)
	alice := api.token("alice", auth.RoleUser)

	expectStatus(t, api.do(http.MethodPost, "/v1/licenses/cleanup-expired", "", nil), http.StatusUnauthorized)

	body := expectStatus(t, api.do(http.MethodPost, "/v1/licenses/cleanup-expired", alice, nil), http.StatusOK)
	if body["cleared_leases"] != float64(0) || body["cleared_reservations"] != float64(0) {
		t.Fatalf("unexpected sweep result: %v", body)
	}
	if body["message"] == "" {
		t.Fatalf("expected message: %v", body)
	}
}

func TestInfoReportsPolicy(t *testing.T) {
	api := newTestAPI(t)

	body := expectStatus(t, api.do(http.MethodGet, "/v1/info", "", nil), http.StatusOK)
	policy, ok := body["policy"].(map[string]any)
	if !ok {
		t.Fatalf("missing policy: %v", body)
	}
	if policy["activation_ttl_seconds"] != float64(7200) || policy["reservation_ttl_seconds"] != float64(300) {
		t.Fatalf("unexpected policy: %v", policy)
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	leases := lease.NewService(lease.NewMemoryStore())
	api := New(failingReadiness{}, "test", leases, nil)

	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMissingTokensConfiguration(t *testing.T) {
	leases := lease.NewService(lease.NewMemoryStore())
	api := New(StoreReadiness{}, "test", leases, nil)

	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/licenses", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestStreamDeliversUsageEvents(t *testing.T) {
	hub := stream.New(8)
	tokens, err := auth.NewTokens(testSecret)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	leases := lease.NewService(lease.NewMemoryStore(), lease.WithRecorder(hub))
	srv := httptest.NewServer(New(StoreReadiness{}, "test", leases, tokens, WithStream(hub)).Handler())
	defer srv.Close()

	api := &apiClient{baseURL: srv.URL, client: srv.Client(), tokens: tokens, t: t}
	alice := api.token("alice", auth.RoleUser)
	admin := api.token("root", auth.RoleAdmin)
	id := api.provision(admin, "L-001")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/licenses/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("expected stream comment, got %q (%v)", line, err)
	}

	reqLicense, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/licenses/"+id+"/request", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	reqLicense.Header.Set("Authorization", "Bearer "+alice)
	reqLicense.Header.Set("User-Agent", "alice-agent")
	reqResp, err := srv.Client().Do(reqLicense)
	if err != nil {
		t.Fatalf("request license: %v", err)
	}
	expectStatus(t, reqResp, http.StatusOK)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.TrimSpace(line) == "event: "+lease.EventRequest {
			data, err := reader.ReadString('\n')
			if err != nil || !strings.Contains(data, `"license_id":"`+id+`"`) || !strings.Contains(data, "alice-agent") {
				t.Fatalf("unexpected data line %q (%v)", data, err)
			}
			return
		}
	}
}

func TestStreamRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	bob := api.token("bob", auth.RoleUser)

	resp := api.do(http.MethodGet, "/v1/licenses/events", bob, nil)
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("non-admin must not open the event stream")
	}
	expectStatus(t, resp, http.StatusForbidden)
	expectStatus(t, api.do(http.MethodGet, "/v1/licenses/events", "", nil), http.StatusUnauthorized)
}

func TestRequestByActiveHolderReportsActivation(t *testing.T) {
	api := newTestAPI(t)
	alice := api.token("alice", auth.RoleUser)
	id := api.provision(api.token("root", auth.RoleAdmin), "L-001")
	base := "/v1/licenses/" + id

	expectStatus(t, api.do(http.MethodPost, base+"/request", alice, nil), http.StatusOK)
	act := expectStatus(t, api.do(http.MethodPost, base+"/activate", alice, nil), http.StatusOK)

	body := expectStatus(t, api.do(http.MethodPost, base+"/request", alice, nil), http.StatusOK)
	if body["message"] != "License already active for you" {
		t.Fatalf("unexpected message: %v", body)
	}
	if body["expires_at"] != act["expires_at"] {
		t.Fatalf("expected activation expiry %v, got %v", act["expires_at"], body["expires_at"])
	}
	if _, ok := body["reservation_expires_at"]; ok {
		t.Fatalf("stale reservation expiry returned: %v", body)
	}
}
