package middleware

import (
	"strings"

	"github.com/chachabrian/mooveit-tanker/pkg/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware accepts driver tokens signed with secret and issued for the
// vehicle this agent runs on.
func AuthMiddleware(secret, vehicleID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenString string

		// First try to get token from Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}

		// If not found in header, try query parameter (for WebSocket)
		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			c.JSON(401, gin.H{"error": "Authorization header or token query parameter required"})
			c.Abort()
			return
		}

		claims, err := utils.ValidateToken(tokenString, secret)
		if err != nil {
			c.JSON(401, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		if claims.VehicleID != vehicleID {
			c.JSON(403, gin.H{"error": "Token was issued for another vehicle"})
			c.Abort()
			return
		}

		c.Set("vehicleId", claims.VehicleID)
		c.Set("vehicleNumber", claims.VehicleNumber)
		c.Next()
	}
}
