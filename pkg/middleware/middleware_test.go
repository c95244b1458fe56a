package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	enforcer, err := accesscontrol.NewDefault()
	require.NoError(t, err)

	r := gin.New()
	r.Use(RequestID(), Error())
	v1 := r.Group("/v1", Identity(), Authorize(enforcer))
	v1.GET("/balance", func(c *gin.Context) {
		p, _ := GetPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"user_id": p.UserID})
	})
	v1.POST("/admin/withdrawals/:id/approve", func(c *gin.Context) {
		_ = c.Error(errutil.Internal("balance for user u1 went negative", errors.New("sum mismatch"), errutil.WithReason("ledger_integrity")))
	})
	v1.POST("/withdrawals", func(c *gin.Context) {
		_ = c.Error(errutil.UnprocessableEntity("amount exceeds available balance", nil, errutil.WithReason("insufficient_balance")))
	})
	return r
}

func do(r http.Handler, method, path, user, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdentityRequired(t *testing.T) {
	w := do(newRouter(t), http.MethodGet, "/v1/balance", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthorizeByRole(t *testing.T) {
	r := newRouter(t)

	w := do(r, http.MethodGet, "/v1/balance", "u1", "owner")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get(HeaderRequestID))

	w = do(r, http.MethodPost, "/v1/admin/withdrawals/1/approve", "u1", "owner")
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	w := do(newRouter(t), http.MethodPost, "/v1/admin/withdrawals/1/approve", "admin-1", "admin")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, GenericMessage, body.Error.Message)
	require.Empty(t, body.Error.Reason)
	require.NotContains(t, w.Body.String(), "negative")
}

func TestDomainErrorsKeepMessage(t *testing.T) {
	w := do(newRouter(t), http.MethodPost, "/v1/withdrawals", "u1", "affiliate")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "insufficient_balance", body.Error.Reason)
	require.Equal(t, "amount exceeds available balance", body.Error.Message)
}
