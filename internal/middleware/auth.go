// Package middleware provides authentication, rate limiting, logging, and
// metrics middleware for the HTTP surface.
package middleware

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"lecturechat/internal/config"
	"lecturechat/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	cfg *config.Config
	rdb *redis.Client
)

const wsTicketTTL = 30 * time.Second

// InitMiddleware initializes the middleware package with the app config and
// Redis client (used for single-use websocket tickets).
func InitMiddleware(c *config.Config, r *redis.Client) {
	cfg = c
	rdb = r
}

// IdentityFromCtx returns the authenticated identity set by AuthRequired or
// WebSocketAuthRequired. The second return is false on unauthenticated
// requests.
func IdentityFromCtx(c *fiber.Ctx) (models.Identity, bool) {
	id, ok := c.Locals("identity").(models.Identity)
	return id, ok
}

func identityFromToken(tokenString string) (models.Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return models.Identity{}, fiber.NewError(fiber.StatusUnauthorized, "Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, fiber.NewError(fiber.StatusUnauthorized, "Invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return models.Identity{}, fiber.NewError(fiber.StatusUnauthorized, "Invalid token structure - missing subject")
	}

	id := models.Identity{UserID: sub, Role: models.RoleParticipant}
	if name, ok := claims["name"].(string); ok {
		id.UserName = name
	}
	if image, ok := claims["image"].(string); ok {
		id.UserImage = image
	}
	if role, ok := claims["role"].(string); ok {
		id.Role = models.ParseRole(role)
	}
	return id, nil
}

// AuthRequired is a middleware that enforces authentication for protected routes.
func AuthRequired(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization header required",
		})
	}

	// Extract token from "Bearer <token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid authorization header format",
		})
	}

	identity, err := identityFromToken(parts[1])
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	c.Locals("identity", identity)
	c.Locals("userID", identity.UserID)
	return c.Next()
}

// IssueWSTicket stores a single-use ticket resolving to the identity.
// Browsers cannot set headers on websocket dials, so clients fetch a ticket
// over authenticated HTTP and pass it as a query parameter instead.
func IssueWSTicket(ctx context.Context, identity models.Identity) (string, error) {
	ticket := uuid.NewString()
	raw, err := json.Marshal(identity)
	if err != nil {
		return "", err
	}
	if err := rdb.Set(ctx, "ws:ticket:"+ticket, raw, wsTicketTTL).Err(); err != nil {
		return "", err
	}
	return ticket, nil
}

func consumeWSTicket(ctx context.Context, ticket string) (models.Identity, bool) {
	raw, err := rdb.GetDel(ctx, "ws:ticket:"+ticket).Result()
	if err != nil {
		return models.Identity{}, false
	}
	var id models.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return models.Identity{}, false
	}
	return id, true
}

// WebSocketAuthRequired authenticates websocket upgrade requests. It accepts
// a single-use ticket from the `ticket` query parameter, falling back to a
// JWT in the `token` query parameter or the Authorization header.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	if ticket := c.Query("ticket"); ticket != "" {
		if identity, ok := consumeWSTicket(c.UserContext(), ticket); ok {
			c.Locals("identity", identity)
			c.Locals("userID", identity.UserID)
			return c.Next()
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired ticket",
		})
	}

	token := c.Query("token")
	if token == "" {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Token required",
			})
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}
		token = parts[1]
	}

	identity, err := identityFromToken(token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	c.Locals("identity", identity)
	c.Locals("userID", identity.UserID)
	return c.Next()
}
