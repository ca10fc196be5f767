// Package apperr defines the failure kinds shared by the identity and tenancy
// packages so handlers can map them to responses without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown                 Kind = ""
	KindAuthenticationFailure   Kind = "authentication_failure"
	KindTokenInvalid            Kind = "token_invalid"
	KindTokenExpired            Kind = "token_expired"
	KindTenantResolutionFailure Kind = "tenant_resolution_failure"
	KindNoTenantAccess          Kind = "no_tenant_access"
	KindSlugCollision           Kind = "slug_collision"
	KindProvisioningFailure     Kind = "provisioning_failure"
	KindPermissionDenied        Kind = "permission_denied"
	KindNotFound                Kind = "not_found"
	KindInvalidInput            Kind = "invalid_input"
	KindUnavailable             Kind = "unavailable"
)

// Error is a typed failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a message and attaches a kind.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost kind found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
