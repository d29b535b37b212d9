package payout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/authz/authztest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, 0)
	r := gin.New()
	v1 := r.Group("/v1", authztest.Impersonate())
	NewHandler(f.svc).RegisterAdminRoutes(v1)
	return r, f
}

func request(r *gin.Engine, method, path string, role authz.Role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	authztest.As(req, "ops_1", role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RunDaily(t *testing.T) {
	r, f := setupTestRouter(t)
	f.released(t, day1.Add(time.Hour), 60)
	f.helpful(t, "alice", day1.Add(time.Hour), 1)

	w := request(r, "POST", "/v1/admin/payouts/daily", authz.RoleMember, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(r, "POST", "/v1/admin/payouts/daily", authz.RoleSystem, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Payout Result `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "2026-05-01", body.Payout.Date)
	assert.Equal(t, int64(60), body.Payout.TotalDistributed)

	w = request(r, "POST", "/v1/admin/payouts/daily", authz.RoleAdmin, `{"date":"2026-05-01"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Payout.Replayed)

	w = request(r, "GET", "/v1/admin/payouts/2026-05-01", authz.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"trigger":"admin"`)
}

func TestHandler_RunDailyValidation(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := request(r, "POST", "/v1/admin/payouts/daily", authz.RoleAdmin, `{"date":"May 1st"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(r, "POST", "/v1/admin/payouts/daily", authz.RoleAdmin, `{"date":"2026-05-02"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "today has not ended")

	w = request(r, "GET", "/v1/admin/payouts/2026-04-01", authz.RoleAdmin, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(r, "GET", "/v1/admin/payouts/yesterday", authz.RoleAdmin, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
