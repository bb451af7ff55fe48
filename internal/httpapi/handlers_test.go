package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"medcash/internal/cache"
	"medcash/internal/domain"
	"medcash/internal/events"
	"medcash/internal/service"
	"medcash/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	hub := events.NewHub()
	svc := service.New(repo, cache.NewMemorySummaryCache(), hub, time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, hub, "*")
}

func signInAs(t *testing.T, api *API, email string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.SignInRequest{Email: email, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/sign-in", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("sign in as %s failed, status %d (body: %s)", email, res.Code, res.Body.String())
	}

	var payload domain.SignInResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode sign-in response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in sign-in response")
	}
	return payload.AccessToken
}

func signInAsAdmin(t *testing.T, api *API) string {
	return signInAs(t, api, memory.SeedAdminEmail, "admin123")
}

func signInAsEntry(t *testing.T, api *API) string {
	return signInAs(t, api, memory.SeedEntryEmail, "entry123")
}

// doJSON sends an authenticated request carrying a fresh CSRF token.
func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (status %d)", err, res.Code)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleSignIn_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(domain.SignInRequest{Email: memory.SeedAdminEmail, Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/sign-in", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleStores_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stores", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleMe(t *testing.T) {
	api := newTestAPI(t)
	token := signInAsEntry(t, api)

	res := doJSON(t, api, http.MethodGet, "/api/v1/auth/me", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	session := decodeBody[domain.Session](t, res)
	if session.Role != domain.RoleEntryPerson || len(session.StoreIDs) != 1 || session.StoreIDs[0] != memory.SeedStoreID {
		t.Fatalf("unexpected session %+v", session)
	}

	res = doJSON(t, api, http.MethodPatch, "/api/v1/auth/me", token, map[string]string{"display_name": "Front Desk"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on profile update, got %d (body: %s)", res.Code, res.Body.String())
	}
	if updated := decodeBody[domain.Session](t, res); updated.DisplayName != "Front Desk" {
		t.Fatalf("expected display name to change, got %q", updated.DisplayName)
	}
}

func TestCollectionAndWithdrawalFlow(t *testing.T) {
	api := newTestAPI(t)
	token := signInAsEntry(t, api)
	base := "/api/v1/stores/" + memory.SeedStoreID

	res := doJSON(t, api, http.MethodPost, base+"/transactions", token, map[string]any{
		"amount":         "200",
		"payment_method": "upi",
		"remarks":        "morning sales",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for collection, got %d (body: %s)", res.Code, res.Body.String())
	}
	created := decodeBody[domain.TransactionResponse](t, res)
	if created.Balance.String() != "1200" {
		t.Fatalf("expected balance 1200 after collection, got %s", created.Balance)
	}
	if created.Transaction.Type != domain.TransactionCollection || created.Transaction.PaymentMethod != domain.PaymentUPI {
		t.Fatalf("unexpected transaction %+v", created.Transaction)
	}

	res = doJSON(t, api, http.MethodPost, base+"/withdrawals", token, map[string]any{"amount": "1500"})
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for overdraw, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, base+"/withdrawals", token, map[string]any{"amount": "1200", "remarks": "bank deposit"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for withdrawal, got %d (body: %s)", res.Code, res.Body.String())
	}
	withdrawn := decodeBody[domain.TransactionResponse](t, res)
	if !withdrawn.Balance.IsZero() {
		t.Fatalf("expected balance 0 after withdrawal, got %s", withdrawn.Balance)
	}
	if withdrawn.Transaction.PaymentMethod != domain.PaymentCash {
		t.Fatalf("withdrawals are cash, got %s", withdrawn.Transaction.PaymentMethod)
	}

	res = doJSON(t, api, http.MethodGet, base+"/transactions?type=withdrawal", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", res.Code)
	}
	list := decodeBody[domain.TransactionListResponse](t, res)
	if len(list.Transactions) != 1 || list.Transactions[0].ID != withdrawn.Transaction.ID {
		t.Fatalf("expected only the committed withdrawal, got %+v", list.Transactions)
	}

	res = doJSON(t, api, http.MethodGet, base+"/summary", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for summary, got %d", res.Code)
	}
	sum := decodeBody[domain.StoreSummary](t, res)
	if sum.Totals.Withdrawal.String() != "1200" || sum.Totals.UPI.String() != "200" {
		t.Fatalf("unexpected totals %+v", sum.Totals)
	}
}

func TestInvalidAmountReturns400(t *testing.T) {
	api := newTestAPI(t)
	token := signInAsEntry(t, api)

	res := doJSON(t, api, http.MethodPost, "/api/v1/stores/"+memory.SeedStoreID+"/transactions", token, map[string]any{"amount": "0"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestAdminEditsAndDeletesTransaction(t *testing.T) {
	api := newTestAPI(t)
	entry := signInAsEntry(t, api)
	admin := signInAsAdmin(t, api)

	res := doJSON(t, api, http.MethodPost, "/api/v1/stores/"+memory.SeedStoreID+"/transactions", entry, map[string]any{"amount": "500"})
	if res.Code != http.StatusCreated {
		t.Fatalf("create failed: %d (body: %s)", res.Code, res.Body.String())
	}
	created := decodeBody[domain.TransactionResponse](t, res)
	path := "/api/v1/transactions/" + created.Transaction.ID

	res = doJSON(t, api, http.MethodPatch, path, entry, map[string]any{"amount": "600"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected entry person edit to be forbidden, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPatch, path, admin, map[string]any{"amount": "600"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin edit, got %d (body: %s)", res.Code, res.Body.String())
	}
	if revised := decodeBody[domain.TransactionResponse](t, res); revised.Balance.String() != "1600" {
		t.Fatalf("expected balance 1600 after revision, got %s", revised.Balance)
	}

	res = doJSON(t, api, http.MethodDelete, path, admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for delete, got %d (body: %s)", res.Code, res.Body.String())
	}
	if removed := decodeBody[domain.TransactionResponse](t, res); removed.Balance.String() != "1000" {
		t.Fatalf("expected balance back at 1000, got %s", removed.Balance)
	}

	res = doJSON(t, api, http.MethodGet, path, admin, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.Code)
	}
}

func TestEntryPersonScope(t *testing.T) {
	api := newTestAPI(t)
	admin := signInAsAdmin(t, api)
	entry := signInAsEntry(t, api)

	res := doJSON(t, api, http.MethodPost, "/api/v1/stores", admin, map[string]any{
		"name":            "Riverside Pharmacy",
		"opening_balance": "250.50",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for store create, got %d (body: %s)", res.Code, res.Body.String())
	}
	other := decodeBody[domain.Store](t, res)
	if other.CurrentBalance.String() != "250.5" {
		t.Fatalf("expected current balance to start at opening, got %s", other.CurrentBalance)
	}

	if res := doJSON(t, api, http.MethodGet, "/api/v1/stores/"+other.ID, entry, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unassigned store, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodPost, "/api/v1/stores/"+other.ID+"/withdrawals", entry, map[string]any{"amount": "1"}); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for withdrawal on unassigned store, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodGet, "/api/v1/users", entry, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user list, got %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodDelete, "/api/v1/stores/"+memory.SeedStoreID, entry, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for store delete, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/stores", entry, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for store list, got %d", res.Code)
	}
	listed := decodeBody[map[string][]domain.Store](t, res)
	if len(listed["stores"]) != 1 || listed["stores"][0].ID != memory.SeedStoreID {
		t.Fatalf("expected only the assigned store, got %+v", listed["stores"])
	}
}

func TestDeleteStoreWithTransactionsConflicts(t *testing.T) {
	api := newTestAPI(t)
	admin := signInAsAdmin(t, api)

	if res := doJSON(t, api, http.MethodPost, "/api/v1/stores/"+memory.SeedStoreID+"/transactions", admin, map[string]any{"amount": "10"}); res.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", res.Code)
	}
	if res := doJSON(t, api, http.MethodDelete, "/api/v1/stores/"+memory.SeedStoreID, admin, nil); res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", res.Code, res.Body.String())
	}
	if res := doJSON(t, api, http.MethodGet, "/api/v1/stores/store-missing", admin, nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown store, got %d", res.Code)
	}
}

func TestReconcileAndDashboard(t *testing.T) {
	api := newTestAPI(t)
	admin := signInAsAdmin(t, api)

	if res := doJSON(t, api, http.MethodPost, "/api/v1/stores/"+memory.SeedStoreID+"/transactions", admin, map[string]any{"amount": "75", "payment_method": "credit"}); res.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", res.Code)
	}

	res := doJSON(t, api, http.MethodGet, "/api/v1/stores/"+memory.SeedStoreID+"/reconcile", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for reconcile, got %d (body: %s)", res.Code, res.Body.String())
	}
	report := decodeBody[domain.ReconcileReport](t, res)
	if !report.Consistent || report.ReplayedBalance.String() != "1075" {
		t.Fatalf("unexpected reconcile report %+v", report)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/dashboard", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for dashboard, got %d (body: %s)", res.Code, res.Body.String())
	}
	dash := decodeBody[domain.Dashboard](t, res)
	if dash.TotalStores != 1 || dash.TotalBalance.String() != "1075" || dash.Today.Credit.String() != "75" {
		t.Fatalf("unexpected dashboard %+v", dash)
	}
}

func TestSummaryRejectsBadRange(t *testing.T) {
	api := newTestAPI(t)
	admin := signInAsAdmin(t, api)

	res := doJSON(t, api, http.MethodGet, "/api/v1/stores/"+memory.SeedStoreID+"/summary?from=yesterday", admin, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodGet, "/api/v1/stores/"+memory.SeedStoreID+"/summary?from=2026-02-01&to=2026-01-01", admin, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", res.Code)
	}
}

func TestSignOutInvalidatesToken(t *testing.T) {
	api := newTestAPI(t)
	token := signInAsEntry(t, api)

	if res := doJSON(t, api, http.MethodPost, "/api/v1/auth/sign-out", token, nil); res.Code != http.StatusOK {
		t.Fatalf("expected 200 for sign-out, got %d (body: %s)", res.Code, res.Body.String())
	}
	if res := doJSON(t, api, http.MethodGet, "/api/v1/stores", token, nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after sign-out, got %d", res.Code)
	}
}

func TestSignUpEndpoint(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/api/v1/auth/sign-up", "", map[string]any{
		"email":        "clerk@example.com",
		"password":     "pass1234",
		"display_name": "Clerk",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/auth/sign-up", "", map[string]any{
		"email":        "boss@example.com",
		"password":     "pass1234",
		"display_name": "Boss",
		"role":         "admin",
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for anonymous admin sign-up, got %d (body: %s)", res.Code, res.Body.String())
	}

	admin := signInAsAdmin(t, api)
	res = doJSON(t, api, http.MethodPost, "/api/v1/auth/sign-up", admin, map[string]any{
		"email":        "boss@example.com",
		"password":     "pass1234",
		"display_name": "Boss",
		"role":         "admin",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for admin-created admin, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestStoreEventsStream(t *testing.T) {
	api := newTestAPI(t)
	admin := signInAsAdmin(t, api)

	server := httptest.NewServer(api.Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/stores/"+memory.SeedStoreID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		return strings.TrimRight(line, "\n")
	}
	if line := readLine(); line != ": connected" {
		t.Fatalf("expected connected comment, got %q", line)
	}

	res := doJSON(t, api, http.MethodPost, "/api/v1/stores/"+memory.SeedStoreID+"/transactions", admin, map[string]any{"amount": "42"})
	if res.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", res.Code)
	}

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line := readLine()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: "):
			dataLine = line
		}
	}
	if eventLine != "event: "+string(domain.EventTransactionCreated) {
		t.Fatalf("unexpected event line %q", eventLine)
	}
	var event domain.LedgerEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.StoreID != memory.SeedStoreID || event.Balance.String() != "1042" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestStoreEventsStreamEndsWhenHubCloses(t *testing.T) {
	api := newTestAPI(t)
	admin := signInAsAdmin(t, api)

	server := httptest.NewServer(api.Handler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/stores/"+memory.SeedStoreID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || line != ": connected\n" {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}

	api.hub.Close()

	// The handler returns, so the body drains to EOF well before the
	// client timeout or the next heartbeat.
	for {
		if _, err := reader.ReadString('\n'); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("expected stream to end cleanly, got %v", err)
			}
			break
		}
	}
}
