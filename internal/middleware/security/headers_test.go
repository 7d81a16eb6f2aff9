package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersMiddleware(t *testing.T) {
	for _, dev := range []bool{false, true} {
		app := fiber.New()
		app.Use(HeadersMiddleware(HeadersConfig{IsDevelopment: dev}))
		app.Get("/", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"ok": true}) })

		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)

		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		if dev {
			assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
		} else {
			assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
		}
	}
}
