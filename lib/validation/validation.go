// Package validation checks user supplied input for hopguard: configuration
// fields and RPC parameters. Validators return nil or a *FieldError whose
// message is safe to hand back to an RPC client.
package validation

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentinels, matched with errors.Is.
var (
	ErrRequired      = errors.New("field is required")
	ErrTooLong       = errors.New("value exceeds maximum length")
	ErrInvalidFormat = errors.New("invalid format")
	ErrOutOfRange    = errors.New("value out of range")
)

const (
	// MaxDeviceNameLength limits node.name, counted in runes.
	MaxDeviceNameLength = 64
	// MaxCityLength limits catalog city names, counted in runes.
	MaxCityLength = 64
	// CountryCodeLength is the length of an ISO 3166-1 alpha-2 code.
	CountryCodeLength = 2
)

// FieldError describes why one field was rejected.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *FieldError) Unwrap() error { return e.Err }

func invalid(field string, sentinel error, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...), Err: sentinel}
}

// Required rejects empty and whitespace-only values.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, ErrRequired, "is required")
	}
	return nil
}

// MaxLength rejects values longer than max runes.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return invalid(field, ErrTooLong, "exceeds maximum length of %d characters", max)
	}
	return nil
}

// IntRange rejects values outside [min, max].
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return invalid(field, ErrOutOfRange, "must be between %d and %d", min, max)
	}
	return nil
}

// text is a required, bounded string without control characters.
func text(field, value string, max int) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, max); err != nil {
		return err
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return invalid(field, ErrInvalidFormat, "must not contain control characters")
	}
	return nil
}

// DeviceName validates the name a node registers under.
func DeviceName(field, value string) error {
	return text(field, value, MaxDeviceNameLength)
}

// City validates a city name as it appears in the server catalog.
func City(field, value string) error {
	return text(field, value, MaxCityLength)
}

// CountryCode validates a two letter country code in either case.
func CountryCode(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	ok := len(value) == CountryCodeLength
	for i := 0; ok && i < len(value); i++ {
		c := value[i] | 0x20
		ok = c >= 'a' && c <= 'z'
	}
	if !ok {
		return invalid(field, ErrInvalidFormat, "must be a two letter country code")
	}
	return nil
}

// Location validates a required country and city pair. Fields are reported
// as <field>_country and <field>_city.
func Location(field, country, city string) error {
	return All(
		func() error { return CountryCode(field+"_country", country) },
		func() error { return City(field+"_city", city) },
	)
}

// OptionalLocation is Location for a pair that may be omitted entirely but
// not in part.
func OptionalLocation(field, country, city string) error {
	switch {
	case country == "" && city == "":
		return nil
	case country == "" || city == "":
		return invalid(field, ErrRequired, "country and city must be set together")
	}
	return Location(field, country, city)
}

// HostPort validates a listen or dial address with a numeric port.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		return invalid(field, ErrInvalidFormat, "must be in host:port format")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return invalid(field, ErrInvalidFormat, "port must be numeric")
	}
	return IntRange(field, n, 0, 65535)
}

// All returns the first error produced by validators, in order.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects every failure instead of stopping at the first.
type Errors []error

// Add records err unless it is nil.
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors reports whether anything was recorded.
func (e Errors) HasErrors() bool { return len(e) > 0 }

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	if len(msgs) > 1 {
		return "multiple validation errors: " + strings.Join(msgs, "; ")
	}
	return strings.Join(msgs, "")
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e Errors) Unwrap() []error { return e }
