package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-engine/backend/pkg/apperrors"
)

type sample struct {
	Name  string  `json:"name" validate:"required,maxtext"`
	Kind  string  `json:"kind" validate:"omitempty,oneof=a b"`
	Score float64 `json:"score" validate:"gte=-1,lte=1"`
}

func TestMiddleware_ContentType(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(Config{}))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	tests := []struct {
		contentType string
		body        string
		want        int
	}{
		{"application/json", `{}`, fiber.StatusNoContent},
		{"application/json; charset=utf-8", `{}`, fiber.StatusNoContent},
		{"text/xml", `<a/>`, fiber.StatusUnsupportedMediaType},
		{"", ``, fiber.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, tt.want, resp.StatusCode, tt.contentType)
	}
}

func TestBinder_Struct(t *testing.T) {
	b := NewBinder(Config{MaxTextLength: 5})

	assert.NoError(t, b.Struct(&sample{Name: "ok", Kind: "a", Score: 0.5}))

	err := b.Struct(&sample{Kind: "c", Score: 2})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "Name is required")
	assert.Contains(t, err.Error(), "Kind must be one of [a b]")
	assert.Contains(t, err.Error(), "Score must be at most 1")

	err = b.Struct(&sample{Name: "toolong"})
	assert.Contains(t, err.Error(), "Name is too long")
}

func TestBinder_Bind(t *testing.T) {
	b := NewBinder(Config{})
	app := fiber.New()
	app.Post("/", func(c *fiber.Ctx) error {
		var s sample
		if err := b.Bind(c, &s); err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}
		return c.SendString(s.Name)
	})

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x","score":-1}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
