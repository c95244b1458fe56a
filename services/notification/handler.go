package notification

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
	v1.GET("/notifications", list(svc))
	v1.POST("/notifications/:id/read", markRead(svc))
}

func list(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := middleware.GetPrincipal(c)

		var page pagination.Pagination
		if err := c.ShouldBindQuery(&page); err != nil {
			_ = c.Error(errutil.BadRequest("invalid pagination", err, errutil.WithReason("invalid_input")))
			return
		}

		rows, info, err := svc.List(c.Request.Context(), p.UserID, page)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
	}
}

func markRead(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := middleware.GetPrincipal(c)

		n, err := svc.MarkRead(c.Request.Context(), p.UserID, c.Param("id"))
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, n)
	}
}
