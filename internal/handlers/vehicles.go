package handlers

import (
	"context"
	"net/http"

	"github.com/chachabrian/mooveit-tanker/internal/account"
	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/gin-gonic/gin"
)

type AccountResolver interface {
	Resolve(ctx context.Context, vehicleNumber string) (account.Result, error)
}

// CheckVehicle tells the sign-in screen which account flow a vehicle number leads to.
func CheckVehicle(r AccountResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			VehicleNumber string `json:"vehicleNumber" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, apperr.Wrap(apperr.InvalidInput, "vehicle number is required", err))
			return
		}

		result, err := r.Resolve(c.Request.Context(), input.VehicleNumber)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
