package domain

import "fmt"

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

// ConfigurationError reports a missing or inconsistent mapping piece, such as a
// collection used before an association was attached to it.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e ConfigurationError) Error() string {
	if e.Subject == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Subject, e.Reason)
}

// Is enables errors.Is matching on ConfigurationError.
func (e ConfigurationError) Is(target error) bool {
	_, ok := target.(ConfigurationError)
	if ok {
		return true
	}
	_, ok = target.(*ConfigurationError)
	return ok
}

// ErrConfiguration is the sentinel error for configuration failures.
var ErrConfiguration = ConfigurationError{}

// LoadError wraps a failure of the loader while initializing a collection.
type LoadError struct {
	Association string
	Err         error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Association, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// MisuseError is raised by panic when a caller breaks the collection contract,
// for example by diffing a collection that was never owned and initialized.
type MisuseError struct {
	Op     string
	Reason string
}

func (e MisuseError) Error() string {
	return fmt.Sprintf("misuse of %s: %s", e.Op, e.Reason)
}
