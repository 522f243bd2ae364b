// handlers/api/token.go
package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the session identity inside API bearer tokens
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed bearer token for the JSON API routes
func GenerateToken(userID, email, secret string) (string, error) {
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and verifies a bearer token
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// GetSessionToken reads the API bearer token stored in the session
func GetSessionToken(c *fiber.Ctx, store *session.Store) (string, error) {
	sess, err := store.Get(c)
	if err != nil {
		return "", fmt.Errorf("failed to get session: %v", err)
	}

	token := sess.Get("token")
	tokenStr, ok := token.(string)
	if !ok || tokenStr == "" {
		return "", fmt.Errorf("no token found in session")
	}

	return tokenStr, nil
}

// SessionMiddleware admits authenticated users and guests with a guest id,
// and exposes the session identity through locals. Everyone else is sent to
// the landing page.
func SessionMiddleware(store *session.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, err := store.Get(c)
		if err != nil {
			return c.Redirect("/")
		}

		if sess.Get("authenticated") == true {
			c.Locals("authenticated", true)
			c.Locals("userId", sess.Get("userId"))
			c.Locals("email", sess.Get("email"))
			return c.Next()
		}

		if guestID, ok := sess.Get("guestId").(string); ok && guestID != "" {
			c.Locals("authenticated", false)
			c.Locals("guestId", guestID)
			return c.Next()
		}

		return c.Redirect("/")
	}
}

// BearerMiddleware protects JSON API routes with the session's JWT
func BearerMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if len(header) < 8 || header[:7] != "Bearer " {
			return c.Status(401).JSON(fiber.Map{"error": "Unauthorized"})
		}

		claims, err := ValidateToken(header[7:], secret)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "Invalid token"})
		}

		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		return c.Next()
	}
}
