package auth

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	CtxOperatorKey = "operator"
)

func JWTMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Authorization header eksik")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return fiber.NewError(fiber.StatusUnauthorized, "Authorization formatı 'Bearer <token>' olmalı")
		}

		tokenStr := parts[1]

		token, err := jwt.ParseWithClaims(tokenStr, &JWTCustomClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("geçersiz imzalama yöntemi")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "Geçersiz veya süresi dolmuş token")
		}

		claims, ok := token.Claims.(*JWTCustomClaims)
		if !ok || claims.OperatorID == 0 {
			return fiber.NewError(fiber.StatusUnauthorized, "Token çözümlenemedi")
		}

		c.Locals(CtxOperatorKey, Operator{
			ID:     claims.OperatorID,
			Name:   claims.Name,
			Role:   claims.Role,
			LineID: claims.LineID,
		})

		return c.Next()
	}
}

// CurrentOperator returns the operator the middleware stored on the request.
func CurrentOperator(c *fiber.Ctx) (Operator, error) {
	op, ok := c.Locals(CtxOperatorKey).(Operator)
	if !ok {
		return Operator{}, fiber.NewError(fiber.StatusForbidden, "Operatör bilgisi alınamadı")
	}
	return op, nil
}

// RequireRole lets admins through everywhere.
func RequireRole(allowedRoles ...Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		op, err := CurrentOperator(c)
		if err != nil {
			return err
		}
		if op.Role == RoleAdmin {
			return c.Next()
		}
		for _, r := range allowedRoles {
			if r == op.Role {
				return c.Next()
			}
		}
		return fiber.NewError(fiber.StatusForbidden, "Bu işlem için yetkiniz yok")
	}
}
