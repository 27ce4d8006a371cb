package handlers

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-gateway/internal/api/dto"
	"github.com/spec-kit/ticket-gateway/internal/domain"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

// TokenProvider returns the current upstream token with its expiry.
type TokenProvider interface {
	TokenWithExpiry(ctx context.Context) (domain.Token, error)
}

// TokenHandler exposes the cached upstream token.
type TokenHandler struct {
	tokens TokenProvider
	now    func() time.Time
}

// NewTokenHandler constructs handler.
func NewTokenHandler(tokens TokenProvider) *TokenHandler {
	return &TokenHandler{tokens: tokens, now: time.Now}
}

// GetToken GET /get-token.
func (h *TokenHandler) GetToken(c *fiber.Ctx) error {
	token, err := h.tokens.TokenWithExpiry(c.UserContext())
	if err != nil {
		return apperrors.NewTokenUnavailableError(err)
	}

	remaining := int64(math.Floor(token.ExpiresAt.Sub(h.now()).Seconds()))
	if remaining < 0 {
		remaining = 0
	}
	c.Set(fiber.HeaderCacheControl, "private, max-age="+strconv.FormatInt(remaining, 10))
	return c.JSON(dto.TokenResponse{AccessToken: token.Value})
}
