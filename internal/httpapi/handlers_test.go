package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ltai457/StockManagementSystem-sub000/internal/service"
	"github.com/ltai457/StockManagementSystem-sub000/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-pass-123")
	t.Setenv("SEED_STAFF_PASSWORD", "staff-pass-123")

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, time.Second, 5, nil)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", nil)
}

func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("no access token in login response: %v", body)
	}
	return token
}

func authedRequest(t *testing.T, method, target, token string, body any) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "badpass",
	})

	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 6 attempts, got %d", last)
	}
}

func TestProductsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestStaffCannotMutateStock(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "staff", "staff-pass-123")

	req := authedRequest(t, http.MethodPut, "/api/v1/products/prod-al-350/stock", token, map[string]any{
		"warehouse_code": "WH-AKL",
		"new_quantity":   5,
		"reason":         "stocktake",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff stock mutation, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAdminStockUpdateAndMovementQuery(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin-pass-123")

	req := authedRequest(t, http.MethodPut, "/api/v1/products/prod-al-350/stock", token, map[string]any{
		"warehouse_code": "WH-AKL",
		"new_quantity":   30,
		"reason":         "stocktake correction",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stock update failed: %d (body: %s)", rec.Code, rec.Body.String())
	}

	req = authedRequest(t, http.MethodGet, "/api/v1/movements?product_id=prod-al-350", token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("movement query failed: %d", rec.Code)
	}

	var body struct {
		Movements []map[string]any `json:"movements"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode movements: %v", err)
	}
	if len(body.Movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(body.Movements))
	}
	if body.Movements[0]["change_type"] != "Manual Update" {
		t.Fatalf("unexpected change type: %v", body.Movements[0]["change_type"])
	}
}

func TestMovementDateFilterIncludesWholeDay(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin-pass-123")

	req := authedRequest(t, http.MethodPost, "/api/v1/products/prod-al-350/restock", token, map[string]any{
		"warehouse_code": "WH-AKL",
		"quantity":       5,
		"notes":          "container arrival",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("restock failed: %d (body: %s)", rec.Code, rec.Body.String())
	}

	// A date-only "to" covers the whole day, so today's movement is in range.
	today := time.Now().UTC().Format("2006-01-02")
	req = authedRequest(t, http.MethodGet, "/api/v1/movements?product_id=prod-al-350&to="+today, token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("movement query failed: %d", rec.Code)
	}

	var body struct {
		Movements []map[string]any `json:"movements"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode movements: %v", err)
	}
	if len(body.Movements) != 1 {
		t.Fatalf("expected today's movement in range, got %d", len(body.Movements))
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	req = authedRequest(t, http.MethodGet, "/api/v1/movements?product_id=prod-al-350&to="+yesterday, token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode movements: %v", err)
	}
	if len(body.Movements) != 0 {
		t.Fatalf("expected no movements before today, got %d", len(body.Movements))
	}
}

func TestCreateSaleEndToEnd(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "staff", "staff-pass-123")

	req := authedRequest(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"customer_id":    "cust-apex",
		"payment_method": "eftpos",
		"items": []map[string]any{
			{"product_id": "prod-cap-16", "warehouse_id": "wh-akl", "quantity": 2},
		},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var sale map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&sale); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if sale["status"] != "completed" {
		t.Fatalf("status = %v", sale["status"])
	}
	if sale["processed_by"] != "staff" {
		t.Fatalf("processed_by = %v", sale["processed_by"])
	}

	// Oversell returns 409 with the shortage named.
	req = authedRequest(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"customer_id":    "cust-apex",
		"payment_method": "cash",
		"items": []map[string]any{
			{"product_id": "prod-cap-16", "warehouse_id": "wh-akl", "quantity": 9999},
		},
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestRefundRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	staffToken := loginToken(t, handler, "staff", "staff-pass-123")
	adminToken := loginToken(t, handler, "admin", "admin-pass-123")

	req := authedRequest(t, http.MethodPost, "/api/v1/sales", staffToken, map[string]any{
		"customer_id":    "cust-harbour",
		"payment_method": "account",
		"items": []map[string]any{
			{"product_id": "prod-al-500", "warehouse_id": "wh-akl", "quantity": 1},
		},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale failed: %d (body: %s)", rec.Code, rec.Body.String())
	}
	var sale map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&sale); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	saleID, _ := sale["id"].(string)

	req = authedRequest(t, http.MethodPost, "/api/v1/sales/"+saleID+"/refund", staffToken, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff refund, got %d", rec.Code)
	}

	req = authedRequest(t, http.MethodPost, "/api/v1/sales/"+saleID+"/refund", adminToken, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund failed: %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Refunding again trips the state guard.
	req = authedRequest(t, http.MethodPost, "/api/v1/sales/"+saleID+"/refund", adminToken, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double refund, got %d", rec.Code)
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "staff", "staff-pass-123")

	// Catalog line missing its warehouse.
	req := authedRequest(t, http.MethodPost, "/api/v1/invoices", token, map[string]any{
		"customer":       map[string]any{"name": "Walk-in"},
		"payment_method": "cash",
		"tax_rate":       "0.15",
		"items": []map[string]any{
			{"product_id": "prod-cap-16", "quantity": 1},
		},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	req = authedRequest(t, http.MethodPost, "/api/v1/invoices", token, map[string]any{
		"customer":       map[string]any{"name": "Walk-in"},
		"payment_method": "cash",
		"tax_rate":       "0.15",
		"items": []map[string]any{
			{"is_custom_item": true, "description": "Radiator rod out and clean", "quantity": 1, "unit_price": "120.00"},
		},
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDiscountExceededMapsTo422(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "staff", "staff-pass-123")

	req := authedRequest(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"customer_id":    "cust-apex",
		"payment_method": "cash",
		"items": []map[string]any{
			{"product_id": "prod-al-350", "warehouse_id": "wh-akl", "quantity": 1, "unit_price": "100.00"},
		},
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}
