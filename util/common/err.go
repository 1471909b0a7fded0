package common

import (
	"errors"
	"fmt"
	"strings"

	"xui-manager/logger"
)

// Error kinds surfaced by the provisioning core. Callers classify failures
// with errors.Is rather than by message.
var (
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("conflict")
	ErrConfigCorrupt    = errors.New("config corrupt")
	ErrAmbiguousMatch   = errors.New("ambiguous match")
	ErrStoreUnavailable = errors.New("store unavailable")
)

func NewErrorf(format string, a ...any) error {
	msg := fmt.Sprintf(format, a...)
	return errors.New(msg)
}

func NewError(a ...any) error {
	msg := fmt.Sprintln(a...)
	return errors.New(msg)
}

func NewValidationError(a ...any) error {
	return wrapKind(ErrValidation, a...)
}

func NewConflictError(a ...any) error {
	return wrapKind(ErrConflict, a...)
}

func NewConfigCorruptError(a ...any) error {
	return wrapKind(ErrConfigCorrupt, a...)
}

func NewAmbiguousMatchError(a ...any) error {
	return wrapKind(ErrAmbiguousMatch, a...)
}

func NewStoreUnavailableError(a ...any) error {
	return wrapKind(ErrStoreUnavailable, a...)
}

// Combine joins multiple errors into one, skipping nils.
func Combine(errs ...error) error {
	var sb strings.Builder
	for _, err := range errs {
		if err == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(err.Error())
	}
	if sb.Len() == 0 {
		return nil
	}
	return errors.New(sb.String())
}

func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func wrapKind(kind error, a ...any) error {
	msg := strings.TrimSpace(fmt.Sprintln(a...))
	return fmt.Errorf("%w: %s", kind, msg)
}

func Recover(msg string) any {
	panicErr := recover()
	if panicErr != nil {
		if msg != "" {
			logger.Error(msg, "panic:", panicErr)
		}
	}
	return panicErr
}
