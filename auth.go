package main

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleHost     = "host"
	RoleReviewer = "reviewer"
)

// Claims is what the identity service puts in an access token.
type Claims struct {
	UserID uint
	Role   string
}

func GenerateToken(secret string, userID uint, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, err
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, errors.New("invalid token claims")
	}
	id, ok := mc["user_id"].(float64)
	if !ok || id <= 0 {
		return Claims{}, errors.New("token has no user_id")
	}
	role, _ := mc["role"].(string)
	if role == "" {
		role = RoleHost
	}
	return Claims{UserID: uint(id), Role: role}, nil
}
