package utils

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// VehicleClaims are the claims the identity service puts into driver tokens.
type VehicleClaims struct {
	VehicleID     string `json:"vehicleId"`
	VehicleNumber string `json:"vehicleNumber"`
	jwt.RegisteredClaims
}

func ValidateToken(tokenString, secret string) (*VehicleClaims, error) {
	claims := &VehicleClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
