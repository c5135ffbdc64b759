package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"testing"
	"time"

	"coursegate.org/internal/audit"
	"coursegate.org/internal/auth"
	"coursegate.org/internal/guard"
	"coursegate.org/internal/obs"
	"coursegate.org/internal/store/memory"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	roles   *auth.RoleManager
	t       *testing.T
}

// newTestAPI serves the API over an in-memory store seeded with the given
// role assignments (uid -> role, all in organization univ-1 except admins).
func newTestAPI(t *testing.T, seed map[string]auth.Role, opts ...Option) *apiClient {
	t.Helper()
	t.Cleanup(obs.SetOutput(io.Discard))

	store := memory.New()
	sink := audit.NewLogger(store)
	claims, err := auth.NewClaimsManager(store, store, auth.WithAuditSink(sink))
	if err != nil {
		t.Fatalf("claims manager: %v", err)
	}
	roles, err := auth.NewRoleManager(store, store, claims, auth.WithAuditSink(sink))
	if err != nil {
		t.Fatalf("role manager: %v", err)
	}
	g, err := guard.New(roles, guard.WithAudit(sink))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	tokens, err := auth.NewTokenIssuer("test-secret")
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	ctx := context.Background()
	for uid, role := range seed {
		if err := store.CreateUser(ctx, &auth.Identity{UID: uid, Email: uid + "@example.edu", EmailVerified: true}); err != nil {
			t.Fatalf("seed identity: %v", err)
		}
		if role == "" {
			continue
		}
		scope := auth.Scope{OrganizationID: "univ-1"}
		if role == auth.RoleAdmin {
			scope = auth.Scope{}
		}
		if err := roles.SetUserRole(ctx, uid, role, scope, ""); err != nil {
			t.Fatalf("seed role: %v", err)
		}
	}

	api, err := New(Deps{
		Roles:      roles,
		Claims:     claims,
		Guard:      g,
		Audit:      sink,
		Tokens:     tokens,
		Identities: store,
	}, "test", append([]Option{WithIPRate(1000, 1000)}, opts...)...)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		roles:   roles,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "httpapi-test")
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) obtainToken(uid string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{"uid": uid}, "")
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
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

func expectError(t *testing.T, resp *http.Response, code int, msg string) {
	t.Helper()
	if resp.StatusCode != code {
		resp.Body.Close()
		t.Fatalf("expected %d, got %d", code, resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if msg != "" && body["error"] != msg {
		t.Fatalf("unexpected error message: %v", body["error"])
	}
}

type claimsBody struct {
	HasCustomClaims bool              `json:"hasCustomClaims"`
	Claims          auth.CustomClaims `json:"claims"`
}

type batchBody struct {
	Results struct {
		Successful int               `json:"successful"`
		Failed     int               `json:"failed"`
		Errors     []auth.BatchError `json:"errors"`
	} `json:"results"`
}

var staff = map[string]auth.Role{
	"admin-1": auth.RoleAdmin,
	"orgad-1": auth.RoleOrgAdmin,
	"inst-1":  auth.RoleInstructor,
	"stu-1":   auth.RoleStudent,
	"stu-2":   auth.RoleStudent,
	"new-1":   "",
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.get("/healthz", nil, "")
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected healthz: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestAssignRoleEndToEnd(t *testing.T) {
	api := newTestAPI(t, staff)
	admin := api.obtainToken("admin-1")

	resp := api.post("/v1/roles/assign", map[string]any{
		"userId":         "new-1",
		"role":           "instructor",
		"organizationId": "univ-1",
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign role: %d", resp.StatusCode)
	}
	assigned := decode[map[string]any](t, resp)
	if assigned["message"] != "Role instructor assigned successfully" {
		t.Fatalf("unexpected message: %v", assigned["message"])
	}

	resp = api.get("/v1/users/new-1/claims", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get claims: %d", resp.StatusCode)
	}
	got := decode[claimsBody](t, resp)
	if !got.HasCustomClaims || got.Claims.Role != auth.RoleInstructor || got.Claims.OrganizationID != "univ-1" {
		t.Fatalf("unexpected claims: %+v", got.Claims)
	}
	if !slices.Contains(got.Claims.Permissions, "courses:read,create,update,delete") {
		t.Fatalf("instructor permissions missing: %v", got.Claims.Permissions)
	}
	if got.Claims.LastUpdated == 0 {
		t.Fatalf("expected lastUpdated stamp")
	}

	resp = api.get("/v1/audit/security", url.Values{"event": {EventRoleAssigned}}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("security log: %d", resp.StatusCode)
	}
	logs := decode[struct {
		Logs []auth.AuditEntry `json:"logs"`
	}](t, resp)
	if len(logs.Logs) != 1 {
		t.Fatalf("expected one role_assigned entry, got %d", len(logs.Logs))
	}
	entry := logs.Logs[0]
	if entry.Details["newRole"] != "instructor" || entry.TargetUID != "new-1" || entry.ActorUID != "admin-1" {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.Details["assignedBy"] != "admin-1" || entry.UserAgent != "httpapi-test" {
		t.Fatalf("unexpected audit details: %+v", entry)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t, staff)

	resp := api.post("/v1/roles/assign", map[string]any{"userId": "stu-1", "role": "admin"}, "")
	if got := resp.Header.Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
	expectError(t, resp, http.StatusUnauthorized, "User must be authenticated to perform this action")

	resp = api.get("/v1/me", nil, "not-a-token")
	expectError(t, resp, http.StatusUnauthorized, "invalid token")
}

func TestAssignRoleRequiresAdmin(t *testing.T) {
	api := newTestAPI(t, staff)
	student := api.obtainToken("stu-1")

	resp := api.post("/v1/roles/assign", map[string]any{"userId": "stu-2", "role": "admin"}, student)
	expectError(t, resp, http.StatusForbidden, "Required role: admin or org_admin, current role: student")

	entries, err := api.store.List(context.Background(), auth.AuditFilter{Event: guard.EventAccessDenied})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected access_denied entry, got %d (%v)", len(entries), err)
	}
}

func TestOrgAdminAssignment(t *testing.T) {
	api := newTestAPI(t, staff)
	orgAdmin := api.obtainToken("orgad-1")

	resp := api.post("/v1/roles/assign", map[string]any{"userId": "stu-1", "role": "admin"}, orgAdmin)
	expectError(t, resp, http.StatusForbidden, "Organization admins can only assign student or instructor roles")

	resp = api.post("/v1/roles/assign", map[string]any{"userId": "stu-1", "role": "instructor", "organizationId": "univ-2"}, orgAdmin)
	expectError(t, resp, http.StatusForbidden, "Cannot assign roles outside your organization")

	// The organization defaults to the acting admin's own.
	resp = api.post("/v1/roles/assign", map[string]any{"userId": "new-1", "role": "student"}, orgAdmin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign in own org: %d", resp.StatusCode)
	}
	resp.Body.Close()
	user := api.roles.GetUserContext(context.Background(), "new-1")
	if user == nil || user.OrganizationID != "univ-1" {
		t.Fatalf("expected univ-1 scope, got %+v", user)
	}
}

func TestOrgAdminCannotReassignOutsideTheirReach(t *testing.T) {
	api := newTestAPI(t, staff)
	ctx := context.Background()
	if err := api.store.CreateUser(ctx, &auth.Identity{UID: "stu-9"}); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	if err := api.roles.SetUserRole(ctx, "stu-9", auth.RoleStudent, auth.Scope{OrganizationID: "univ-2"}, ""); err != nil {
		t.Fatalf("seed role: %v", err)
	}
	orgAdmin := api.obtainToken("orgad-1")

	resp := api.post("/v1/roles/assign", map[string]any{"userId": "admin-1", "role": "student"}, orgAdmin)
	expectError(t, resp, http.StatusForbidden, "Cannot change the role of a user with role admin")

	resp = api.post("/v1/roles/assign", map[string]any{"userId": "stu-9", "role": "student"}, orgAdmin)
	expectError(t, resp, http.StatusForbidden, "Cannot change roles of users outside your organization")

	if role, _ := api.roles.GetUserRole(ctx, "admin-1"); role != auth.RoleAdmin {
		t.Fatalf("admin demoted to %q", role)
	}
	if user := api.roles.GetUserContext(ctx, "stu-9"); user == nil || user.OrganizationID != "univ-2" {
		t.Fatalf("student moved: %+v", user)
	}
}

func TestOrganizationUsers(t *testing.T) {
	api := newTestAPI(t, staff)
	type listBody struct {
		Users          []userView `json:"users"`
		Total          int        `json:"total"`
		OrganizationID string     `json:"organizationId"`
	}

	resp := api.get("/v1/organizations/univ-1/users", url.Values{"limit": {"2"}}, api.obtainToken("orgad-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users: %d", resp.StatusCode)
	}
	got := decode[listBody](t, resp)
	if got.Total != 2 || got.Users[0].UID != "inst-1" || got.Users[1].UID != "orgad-1" {
		t.Fatalf("unexpected page: %+v", got)
	}

	resp = api.get("/v1/organizations/univ-1/users", url.Values{"offset": {"2"}}, api.obtainToken("admin-1"))
	got = decode[listBody](t, resp)
	if got.Total != 2 || got.Users[0].UID != "stu-1" || got.OrganizationID != "univ-1" {
		t.Fatalf("unexpected second page: %+v", got)
	}

	resp = api.get("/v1/organizations/univ-2/users", nil, api.obtainToken("orgad-1"))
	expectError(t, resp, http.StatusForbidden, "Can only access users from your organization")

	resp = api.get("/v1/organizations/univ-1/users", nil, api.obtainToken("inst-1"))
	expectError(t, resp, http.StatusForbidden, "")

	resp = api.get("/v1/organizations/univ-1/users", url.Values{"limit": {"500"}}, api.obtainToken("admin-1"))
	expectError(t, resp, http.StatusBadRequest, "limit must be between 1 and 100")
}

func TestPromoteInstructor(t *testing.T) {
	api := newTestAPI(t, staff)
	admin := api.obtainToken("admin-1")

	resp := api.post("/v1/roles/promote", map[string]any{"userId": "stu-1", "organizationId": "univ-1"}, admin)
	expectError(t, resp, http.StatusConflict, "Can only promote instructors to organization admin")

	resp = api.post("/v1/roles/promote", map[string]any{"userId": "inst-1", "organizationId": "univ-1"}, api.obtainToken("orgad-1"))
	expectError(t, resp, http.StatusForbidden, "")

	resp = api.post("/v1/roles/promote", map[string]any{"userId": "inst-1", "organizationId": "univ-1"}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("promote: %d", resp.StatusCode)
	}
	resp.Body.Close()
	if role, _ := api.roles.GetUserRole(context.Background(), "inst-1"); role != auth.RoleOrgAdmin {
		t.Fatalf("expected org_admin, got %q", role)
	}
	entries, err := api.store.List(context.Background(), auth.AuditFilter{Event: EventInstructorPromoted})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected instructor_promoted entry, got %d (%v)", len(entries), err)
	}
}

func TestAssignRoleValidation(t *testing.T) {
	api := newTestAPI(t, staff)
	admin := api.obtainToken("admin-1")

	resp := api.post("/v1/roles/assign", map[string]any{"userId": "stu-1", "role": "superuser"}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	fields, _ := body["fields"].(map[string]any)
	if fields["role"] != "oneof" {
		t.Fatalf("expected role validation failure, got %v", body)
	}

	resp = api.post("/v1/roles/assign", map[string]any{"userId": "stu-1", "role": "org_admin"}, admin)
	expectError(t, resp, http.StatusBadRequest, "org_admin role requires organizationId")

	resp = api.post("/v1/roles/assign", map[string]any{"userId": "ghost", "role": "student"}, admin)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown identity, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestClaimsAccessIsSelfOrAdmin(t *testing.T) {
	api := newTestAPI(t, staff)
	student := api.obtainToken("stu-1")

	resp := api.get("/v1/users/stu-2/claims", nil, student)
	expectError(t, resp, http.StatusForbidden, "Can only view own claims or requires admin privileges")

	resp = api.get("/v1/users/stu-1/claims", nil, student)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own claims: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/users/stu-1/claims/consistency", nil, student)
	report := decode[map[string]any](t, resp)
	validation, _ := report["validation"].(map[string]any)
	if validation["consistent"] != true {
		t.Fatalf("expected consistent claims, got %v", report)
	}
}

func TestUpdateAndRemoveClaims(t *testing.T) {
	api := newTestAPI(t, staff)
	admin := api.obtainToken("admin-1")
	orgAdmin := api.obtainToken("orgad-1")

	resp := api.do(http.MethodPatch, "/v1/users/stu-1/claims", map[string]any{"role": "org_admin"}, orgAdmin)
	expectError(t, resp, http.StatusForbidden, "Cannot assign admin roles")

	resp = api.do(http.MethodPatch, "/v1/users/stu-1/claims", map[string]any{"organizationId": "univ-2"}, orgAdmin)
	expectError(t, resp, http.StatusForbidden, "Can only update claims within your university")

	resp = api.do(http.MethodPatch, "/v1/users/stu-1/claims", map[string]any{"extra": map[string]any{"beta": true}}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch claims: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/users/stu-1/claims", map[string]any{"claims": []string{"beta"}}, orgAdmin)
	expectError(t, resp, http.StatusForbidden, "Required role: admin, current role: org_admin")

	resp = api.do(http.MethodDelete, "/v1/users/stu-1/claims", map[string]any{"claims": []string{"beta"}}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove claims: %d", resp.StatusCode)
	}
	resp.Body.Close()

	claims, _ := api.store.GetUser(context.Background(), "stu-1")
	if claims.Claims == nil || claims.Claims.Extra != nil || claims.Claims.Role != auth.RoleStudent {
		t.Fatalf("unexpected claims after removal: %+v", claims.Claims)
	}
}

func TestRefreshClaimsRateLimited(t *testing.T) {
	api := newTestAPI(t, staff, WithActionLimit(actionRefresh, Limit{Max: 2, Window: time.Minute}))
	student := api.obtainToken("stu-1")

	for i := 0; i < 2; i++ {
		resp := api.post("/v1/users/stu-1/claims/refresh", nil, student)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("refresh %d: %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := api.post("/v1/users/stu-1/claims/refresh", nil, student)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests, "Rate limit exceeded. Maximum 2 requests per minute.")
}

func TestBatchClaimsReportsPartialFailure(t *testing.T) {
	api := newTestAPI(t, staff)
	admin := api.obtainToken("admin-1")

	resp := api.post("/v1/claims/batch", map[string]any{
		"updates": []map[string]any{
			{"userId": "stu-1", "claims": map[string]any{"extra": map[string]any{"cohort": "2025"}}},
			{"userId": "ghost", "claims": map[string]any{"extra": map[string]any{"cohort": "2025"}}},
			{"userId": "stu-2", "claims": map[string]any{"departmentId": "cs"}},
		},
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch: %d", resp.StatusCode)
	}
	body := decode[batchBody](t, resp)
	if body.Results.Successful != 2 || body.Results.Failed != 1 {
		t.Fatalf("unexpected batch result: %+v", body.Results)
	}
	if len(body.Results.Errors) != 1 || body.Results.Errors[0].UID != "ghost" {
		t.Fatalf("unexpected batch errors: %+v", body.Results.Errors)
	}
}

func TestMeAndPermissionCheck(t *testing.T) {
	api := newTestAPI(t, staff)
	instructor := api.obtainToken("inst-1")

	resp := api.get("/v1/me", nil, instructor)
	me := decode[map[string]any](t, resp)
	user, _ := me["user"].(map[string]any)
	if user["role"] != "instructor" || user["email"] != "inst-1@example.edu" {
		t.Fatalf("unexpected me payload: %v", me)
	}

	resp = api.post("/v1/permissions/check", map[string]any{"resource": "courses", "action": "create"}, instructor)
	check := decode[map[string]any](t, resp)
	if check["hasPermission"] != true {
		t.Fatalf("expected instructor to create courses: %v", check)
	}

	resp = api.post("/v1/permissions/check", map[string]any{"resource": "courses", "action": "create", "organizationId": "univ-2"}, instructor)
	check = decode[map[string]any](t, resp)
	if check["hasPermission"] != false {
		t.Fatalf("expected out-of-scope check to fail: %v", check)
	}

	resp = api.post("/v1/permissions/check", map[string]any{"resource": "courses", "action": "read", "targetUserId": "stu-1"}, instructor)
	expectError(t, resp, http.StatusForbidden, "Can only check own permissions or requires admin privileges")

	admin := api.obtainToken("admin-1")
	resp = api.get("/v1/users/stu-1/role", nil, admin)
	role := decode[map[string]any](t, resp)
	target, _ := role["user"].(map[string]any)
	if target["role"] != "student" {
		t.Fatalf("unexpected role payload: %v", role)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	api := newTestAPI(t, staff)
	admin := api.obtainToken("admin-1")

	resp := api.post("/v1/claims/cleanup", map[string]any{"maxAgeHours": 1}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["message"] != "Claims cleanup completed" {
		t.Fatalf("unexpected cleanup body: %v", body)
	}

	resp = api.post("/v1/claims/cleanup", map[string]any{"maxAgeHours": 0.5}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for fractional hours, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t, staff)

	resp := api.post("/v1/auth/token", map[string]any{"uid": ""}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminEndpointsHonorIPAllowList(t *testing.T) {
	blocked := newTestAPI(t, staff, WithAdminIPs([]string{"10.9.9.9"}))
	token := blocked.obtainToken("admin-1")
	expectError(t, blocked.get("/v1/audit/security", nil, token), http.StatusForbidden, "Access denied from this IP address")
	expectError(t, blocked.post("/v1/claims/cleanup", map[string]any{}, token), http.StatusForbidden, "Access denied from this IP address")

	// non-admin routes are unaffected
	resp := blocked.get("/v1/users/admin-1/claims", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for own claims, got %d", resp.StatusCode)
	}

	allowed := newTestAPI(t, staff, WithAdminIPs([]string{"127.0.0.1"}))
	token = allowed.obtainToken("admin-1")
	resp = allowed.get("/v1/audit/security", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from allow-listed address, got %d", resp.StatusCode)
	}
}
