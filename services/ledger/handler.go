package ledger

import (
	"net/http"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/db/pagination"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, enforcer accesscontrol.Enforcer, svc *Service) {
	v1 := r.Group("/v1", middleware.Identity(), middleware.Authorize(enforcer))
	v1.GET("/balance", getBalance(svc))
	v1.GET("/earnings", listEarnings(svc))
}

// Caller resolves the beneficiary behind the request principal.
func Caller(c *gin.Context) (string, BeneficiaryType, error) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		return "", "", errutil.Unauthorized("missing caller identity", nil)
	}
	t, err := ParseBeneficiaryType(p.Role)
	if err != nil {
		return "", "", errutil.Forbidden("only owners and affiliates hold a balance", err)
	}
	return p.UserID, t, nil
}

func getBalance(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, userType, err := Caller(c)
		if err != nil {
			_ = c.Error(err)
			return
		}

		summary, err := svc.GetBalanceSummary(c.Request.Context(), userID, userType)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func listEarnings(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, userType, err := Caller(c)
		if err != nil {
			_ = c.Error(err)
			return
		}

		var page pagination.Pagination
		if err := c.ShouldBindQuery(&page); err != nil {
			_ = c.Error(errutil.BadRequest("invalid pagination", err, errutil.WithReason("invalid_input")))
			return
		}

		rows, info, err := svc.ListEarnings(c.Request.Context(), userID, userType, page)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
	}
}
