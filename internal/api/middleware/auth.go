package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/raghurammutya/tradecore/pkg/utils/response"
)

// ClientIDKey is the echo context key carrying the authenticated subject
const ClientIDKey = "client_id"

// VerifyJWT validates a bearer token and returns its subject
func VerifyJWT(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.NewValidationError("unexpected signing method", jwt.ValidationErrorSignatureInvalid)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", jwt.NewValidationError("invalid claims", jwt.ValidationErrorClaimsInvalid)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", jwt.NewValidationError("missing subject", jwt.ValidationErrorClaimsInvalid)
	}
	return sub, nil
}

// AuthMiddleware authenticates API callers with a bearer JWT
func AuthMiddleware(jwtSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if auth == "" {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Missing Authorization header")
			}
			tokenString, found := strings.CutPrefix(auth, "Bearer ")
			if !found {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Invalid Authorization header format")
			}
			sub, err := VerifyJWT(jwtSecret, tokenString)
			if err != nil {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Invalid or expired token")
			}
			c.Set(ClientIDKey, sub)
			return next(c)
		}
	}
}

// AdminMiddleware authenticates operator endpoints against the bcrypt
// hash of the admin key. The key itself is never stored.
func AdminMiddleware(adminKeyHash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-Admin-Key")
			if key == "" {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Missing X-Admin-Key header")
			}
			if bcrypt.CompareHashAndPassword([]byte(adminKeyHash), []byte(key)) != nil {
				return response.ErrorResponse(c, http.StatusUnauthorized, "AuthorizationException", "Invalid admin key")
			}
			return next(c)
		}
	}
}
