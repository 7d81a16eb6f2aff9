// Package apperrors defines the error taxonomy shared by the engine
// components: validation, not-found, dependency and partial failures.
package apperrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrDependency = errors.New("dependency error")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Dependency marks err as a failure of an external collaborator (store,
// embedding service, generation service). A nil err yields nil.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDependency) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDependency, op, err)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsDependency(err error) bool { return errors.Is(err, ErrDependency) }

// PartialFailure reports which keys of a fan-out write failed. Keys that
// succeeded are not listed.
type PartialFailure struct {
	Total    int
	Failures map[string]error
}

func NewPartialFailure(total int) *PartialFailure {
	return &PartialFailure{Total: total, Failures: make(map[string]error)}
}

func (p *PartialFailure) Add(key string, err error) {
	if err == nil {
		return
	}
	p.Failures[key] = err
}

// ErrOrNil returns p when at least one key failed.
func (p *PartialFailure) ErrOrNil() error {
	if p == nil || len(p.Failures) == 0 {
		return nil
	}
	return p
}

func (p *PartialFailure) Keys() []string {
	keys := make([]string, 0, len(p.Failures))
	for k := range p.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *PartialFailure) Error() string {
	keys := p.Keys()
	return fmt.Sprintf("partial failure: %d of %d failed [%s]", len(keys), p.Total, strings.Join(keys, ", "))
}

// Unwrap exposes the individual failures so errors.Is sees through them.
func (p *PartialFailure) Unwrap() []error {
	var combined error
	for _, k := range p.Keys() {
		combined = multierr.Append(combined, fmt.Errorf("%s: %w", k, p.Failures[k]))
	}
	return multierr.Errors(combined)
}
