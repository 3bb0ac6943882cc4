package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleOperator   Role = "operator"
	RoleLineLoader Role = "line_loader"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Operator is the identity an external session service puts in the token.
type Operator struct {
	ID     uint   `json:"operator_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	LineID *uint  `json:"line_id"` // atanmış hat, yoksa nil
}

type JWTCustomClaims struct {
	OperatorID uint   `json:"operator_id"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	LineID     *uint  `json:"line_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs an operator token. Tokens are normally issued by the
// session service; this exists for tooling and tests.
func GenerateToken(secret string, op Operator, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 12 * time.Hour // bir vardiya
	}
	claims := &JWTCustomClaims{
		OperatorID: op.ID,
		Name:       op.Name,
		Role:       op.Role,
		LineID:     op.LineID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
