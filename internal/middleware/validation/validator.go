package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/pkg/apperrors"
)

type Config struct {
	MaxTextLength       int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects write requests whose body is not one of the allowed
// content types.
func Middleware(cfg Config) fiber.Handler {
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}
		if len(c.Body()) == 0 {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		for _, allowed := range cfg.AllowedContentTypes {
			if strings.HasPrefix(contentType, allowed) {
				return c.Next()
			}
		}

		cfg.Logger.Debug("Rejected content type",
			zap.String("content_type", contentType),
			zap.String("path", c.Path()),
		)
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "unsupported content type",
		})
	}
}

// Binder decodes request bodies and checks their `validate` struct tags.
type Binder struct {
	validate      *validator.Validate
	maxTextLength int
}

func NewBinder(cfg Config) *Binder {
	b := &Binder{validate: validator.New(), maxTextLength: cfg.MaxTextLength}
	if b.maxTextLength <= 0 {
		b.maxTextLength = 5000
	}
	_ = b.validate.RegisterValidation("maxtext", func(fl validator.FieldLevel) bool {
		return len([]rune(fl.Field().String())) <= b.maxTextLength
	})
	return b
}

// Bind parses the JSON body into dst and validates it. Every failure is an
// apperrors validation error.
func (b *Binder) Bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return apperrors.Validation("invalid request body: %v", err)
	}
	return b.Struct(dst)
}

func (b *Binder) Struct(v any) error {
	err := b.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.Validation("%v", err)
	}

	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = describe(fe)
	}
	return apperrors.Validation("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "maxtext":
		return fmt.Sprintf("%s is too long", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
