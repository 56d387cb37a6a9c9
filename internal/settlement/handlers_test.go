package settlement

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightbay/freightbay/internal/auth"
	"github.com/freightbay/freightbay/internal/payouts"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testUserHeader = "X-Test-User"

func setupHandlerRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if u := c.GetHeader(testUserHeader); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
		c.Next()
	}, auth.RequireAuth())
	NewHandler(f.svc).RegisterProtectedRoutes(v1)
	return r, f
}

func doJSON(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_AwardStartComplete(t *testing.T) {
	r, f := setupHandlerRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/contracts", "shipper", map[string]string{
		"hiredUserId": "u1", "amount": "400", "escrowAmount": "500",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	contract := body["contract"].(map[string]any)
	id := contract["id"].(string)
	jobID := contract["jobId"].(string)
	assert.Equal(t, "pending", body["escrow"].(map[string]any)["status"])

	// Escrow not funded yet.
	w = doJSON(r, http.MethodPost, "/v1/contracts/"+id+"/complete", "shipper", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "not_ready", decode(t, w)["error"])

	_, err := f.svc.FundEscrow(f.ctx, jobID, "pi_1", "500")
	require.NoError(t, err)

	w = doJSON(r, http.MethodPost, "/v1/contracts/"+id+"/start", "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/contracts/"+id+"/start", "shipper", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/contracts/"+id+"/complete", "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/contracts/"+id+"/complete", "shipper", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.Equal(t, "400.00", body["mainEarning"])
	assert.Equal(t, "100.00", body["refund"])
	assert.Len(t, body["payouts"], 2)

	w = doJSON(r, http.MethodPost, "/v1/contracts/"+id+"/complete", "shipper", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_completed", decode(t, w)["error"])

	w = doJSON(r, http.MethodGet, "/v1/contracts/"+id+"/payouts", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])

	w = doJSON(r, http.MethodGet, "/v1/contracts/"+id+"/payouts", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_Errors(t *testing.T) {
	r, f := setupHandlerRouter(t)
	root := f.award(t, "shipper", "u1", "1000", "")
	child, _, err := f.svc.Resell(f.ctx, root.ID, "u1", ResellRequest{HiredUserID: "u2", Amount: "300"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		method   string
		path     string
		user     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"unauthenticated", http.MethodPost, "/v1/contracts/" + root.ID + "/complete", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"missing contract", http.MethodPost, "/v1/contracts/ctr_missing/complete", "shipper", nil, http.StatusNotFound, "not_found"},
		{"bad id", http.MethodPost, "/v1/contracts/bad%20id/complete", "shipper", nil, http.StatusBadRequest, "invalid_id"},
		{"child contract", http.MethodPost, "/v1/contracts/" + child.ID + "/complete", "u1", nil, http.StatusForbidden, "not_root_contract"},
		{"split exceeds", http.MethodPost, "/v1/contracts/" + root.ID + "/resell", "u1",
			map[string]string{"hiredUserId": "u3", "amount": "800"}, http.StatusUnprocessableEntity, "split_exceeds_amount"},
		{"resale cycle", http.MethodPost, "/v1/contracts/" + child.ID + "/resell", "u2",
			map[string]string{"hiredUserId": "shipper", "amount": "10"}, http.StatusUnprocessableEntity, "resale_cycle"},
		{"bad amount", http.MethodPost, "/v1/contracts/" + root.ID + "/resell", "u1",
			map[string]string{"hiredUserId": "u3", "amount": "1.234"}, http.StatusBadRequest, "validation_error"},
		{"missing body field", http.MethodPost, "/v1/contracts", "shipper",
			map[string]string{"amount": "10"}, http.StatusBadRequest, "invalid_request"},
		{"bad status filter", http.MethodGet, "/v1/me/payouts?status=bogus", "u1", nil, http.StatusBadRequest, "invalid_status"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, tc.method, tc.path, tc.user, tc.body)
			assert.Equal(t, tc.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tc.wantErr, decode(t, w)["error"])
		})
	}
}

func TestHandler_Resell(t *testing.T) {
	r, f := setupHandlerRouter(t)
	root := f.award(t, "shipper", "u1", "1000", "")

	w := doJSON(r, http.MethodPost, "/v1/contracts/"+root.ID+"/resell", "u1",
		map[string]string{"hiredUserId": "u2", "amount": "300"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "300.00", body["contract"].(map[string]any)["amount"])
	assert.Equal(t, root.ID, body["subContract"].(map[string]any)["rootContractId"])
}

func TestHandler_MeRoutes(t *testing.T) {
	r, f := setupHandlerRouter(t)
	root := f.award(t, "shipper", "u1", "250", "")
	_, err := f.svc.CompleteContract(f.ctx, root.ID, "shipper")
	require.NoError(t, err)

	w := doJSON(r, http.MethodGet, "/v1/me/payouts?status=pending", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = doJSON(r, http.MethodGet, "/v1/me/wallet", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "0.00", body["wallet"].(map[string]any)["availableBalance"])
	assert.Empty(t, body["transactions"])

	f.gw.EnableOnCreate = true
	w = doJSON(r, http.MethodPost, "/v1/me/payout-account", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	account := decode(t, w)["account"].(map[string]any)
	assert.Equal(t, "acct_fake_u1", account["accountRef"])

	list, err := f.store.ListPayoutsByUser(f.ctx, "u1", []payouts.Status{payouts.StatusTransferred}, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	w = doJSON(r, http.MethodPost, "/v1/me/payouts/transfer-pending", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.EqualValues(t, 0, body["transferred"])
	assert.Empty(t, body["payouts"])

	w = doJSON(r, http.MethodGet, "/v1/me/wallet", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["transactions"], 1)
}
