package authtoken

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/quantgrid-labs/authcore/services/auth"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/userstore"
)

const (
	UserIDKey   = "_auth_user_id"
	UsernameKey = "_auth_username"
	ClaimsKey   = "_auth_claims"

	// RefreshAdvisedHeader is set on responses when the presented access
	// token is close enough to expiry that the client should refresh now.
	RefreshAdvisedHeader = "X-Refresh-Advised"
)

// RequireToken validates the Bearer access token at full database depth and
// stashes the resolved identity in the request context. Requests without a
// usable token are rejected with 401.
func RequireToken(authService *auth.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := bearerToken(c)
			if err != nil {
				return err
			}

			identity, err := authService.ValidateAccessToken(tokenString)
			if err != nil {
				return unauthorized(err)
			}

			c.Set(UserIDKey, identity.UserID)
			c.Set(UsernameKey, identity.Username)
			c.Set(ClaimsKey, identity.Claims)

			if identity.Claims.ExpiresAt != nil && authService.RefreshAdvised(identity.UserID, identity.Claims.ExpiresAt.Time) {
				c.Response().Header().Set(RefreshAdvisedHeader, "true")
			}

			return next(c)
		}
	}
}

// OptionalToken resolves an identity when a valid Bearer token is present and
// continues anonymously otherwise. It never rejects the request.
func OptionalToken(authService *auth.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := bearerToken(c)
			if err != nil {
				return next(c)
			}

			identity, err := authService.ValidateAccessToken(tokenString)
			if err != nil {
				return next(c)
			}

			c.Set(UserIDKey, identity.UserID)
			c.Set(UsernameKey, identity.Username)
			c.Set(ClaimsKey, identity.Claims)

			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Access token required")
	}

	return tokenString, nil
}

func unauthorized(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, jwt.ErrExpiredToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "Access token has expired")
	case errors.Is(err, jwt.ErrMalformedToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "Malformed access token")
	case errors.Is(err, jwt.ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid access token signature")
	case errors.Is(err, userstore.ErrUserNotFound):
		return echo.NewHTTPError(http.StatusUnauthorized, "Unknown account")
	case errors.Is(err, userstore.ErrUserInactive):
		return echo.NewHTTPError(http.StatusUnauthorized, "Account is inactive")
	default:
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid access token")
	}
}

func GetUserID(c echo.Context) uint {
	if userID, ok := c.Get(UserIDKey).(uint); ok {
		return userID
	}
	return 0
}

func GetUsername(c echo.Context) string {
	if username, ok := c.Get(UsernameKey).(string); ok {
		return username
	}
	return ""
}

func GetClaims(c echo.Context) *jwt.Claims {
	if claims, ok := c.Get(ClaimsKey).(*jwt.Claims); ok {
		return claims
	}
	return nil
}
