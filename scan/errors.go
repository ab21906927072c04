package scan

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSpecification = errors.New("invalid port specification")
	ErrUnresolvableHost     = errors.New("hostname could not be resolved")
	ErrHostUnreachable      = errors.New("host unreachable")
)

// SpecError describes why a port range specification was rejected.
type SpecError struct {
	Spec   string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("%s '%s': %s", ErrInvalidSpecification, e.Spec, e.Reason)
}

func (e *SpecError) Is(target error) bool {
	return target == ErrInvalidSpecification
}
