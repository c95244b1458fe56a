package withdrawal

import (
	"net/http"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/db/pagination"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/middleware"
	"rental-payouts/services/ledger"

	"github.com/gin-gonic/gin"
)

type requestBody struct {
	Amount         int64          `json:"amount"`
	PaymentMethod  string         `json:"payment_method" binding:"required"`
	PaymentDetails PaymentDetails `json:"payment_details"`
}

type approveBody struct {
	TransactionReference string `json:"transaction_reference"`
}

type rejectBody struct {
	Reason string `json:"reason"`
}

type listQuery struct {
	pagination.Pagination
	Status string `form:"status"`
}

func RegisterRoutes(r *gin.Engine, enforcer accesscontrol.Enforcer, svc *Service) {
	v1 := r.Group("/v1", middleware.Identity(), middleware.Authorize(enforcer))
	v1.POST("/withdrawals", requestWithdrawal(svc))
	v1.GET("/withdrawals", listOwn(svc))
	v1.GET("/withdrawals/:id", getOwn(svc))

	admin := v1.Group("/admin/withdrawals")
	admin.GET("", listAll(svc))
	admin.GET("/:id", getAny(svc))
	admin.POST("/:id/processing", markProcessing(svc))
	admin.POST("/:id/approve", approve(svc))
	admin.POST("/:id/reject", reject(svc))
}

func bindError(err error) error {
	return errutil.BadRequest("malformed request body", err, errutil.WithReason(ReasonInvalidInput))
}

func requestWithdrawal(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, userType, err := ledger.Caller(c)
		if err != nil {
			_ = c.Error(err)
			return
		}

		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(bindError(err))
			return
		}

		w, err := svc.RequestWithdrawal(c.Request.Context(), RequestParams{
			UserID:   userID,
			UserType: userType,
			Amount:   body.Amount,
			Method:   body.PaymentMethod,
			Details:  body.PaymentDetails,
		})
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, w)
	}
}

func list(c *gin.Context, svc *Service, userID string, userType ledger.BeneficiaryType) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(bindError(err))
		return
	}

	rows, info, err := svc.ListWithdrawals(c.Request.Context(), ListParams{
		UserID:   userID,
		UserType: userType,
		Status:   ledger.WithdrawalStatus(q.Status),
		Page:     q.Pagination,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}

func listOwn(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, userType, err := ledger.Caller(c)
		if err != nil {
			_ = c.Error(err)
			return
		}
		list(c, svc, userID, userType)
	}
}

func listAll(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list(c, svc, "", "")
	}
}

// getOwn hides other users' requests behind the same not found answer.
func getOwn(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, userType, err := ledger.Caller(c)
		if err != nil {
			_ = c.Error(err)
			return
		}

		id := c.Param("id")
		w, err := svc.GetWithdrawal(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		if w.UserID != userID || w.UserType != userType {
			_ = c.Error(notFound(id))
			return
		}

		c.JSON(http.StatusOK, w)
	}
}

func getAny(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := svc.GetWithdrawal(c.Request.Context(), c.Param("id"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func reviewer(c *gin.Context) string {
	p, _ := middleware.GetPrincipal(c)
	return p.UserID
}

func markProcessing(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := svc.MarkProcessing(c.Request.Context(), c.Param("id"), reviewer(c))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func approve(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body approveBody
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(bindError(err))
			return
		}

		w, err := svc.ApproveWithdrawal(c.Request.Context(), c.Param("id"), reviewer(c), body.TransactionReference)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func reject(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body rejectBody
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(bindError(err))
			return
		}

		w, err := svc.RejectWithdrawal(c.Request.Context(), c.Param("id"), reviewer(c), body.Reason)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}
