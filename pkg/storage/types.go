package storage

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// WebRequest is one logged HTTP request.
type WebRequest struct {
	// ID is assigned by the backend on write.  Any value set by the caller is
	// ignored.
	ID uint64 `json:"id"`

	Timestamp       time.Time  `json:"timestamp"`
	Identity        string     `json:"identity"`
	RemoteIPAddress netip.Addr `json:"remote_ip_address"`
	Path            string     `json:"path"`
	Method          string     `json:"method"`
	Referer         string     `json:"referer"`
	UserAgent       string     `json:"user_agent"`
	CountryCode     Country    `json:"country_code"`
	IsWebSocket     bool       `json:"is_websocket"`
}

// validate checks the fields every backend relies on.
func (r *WebRequest) validate() (err error) {
	switch {
	case r == nil:
		return ErrNilRequest
	case r.Timestamp.IsZero():
		return ErrNoTimestamp
	case r.Timestamp.Before(MinInstant), r.Timestamp.After(MaxInstant):
		return ErrTimestampRange
	case !r.RemoteIPAddress.IsValid():
		return ErrInvalidAddress
	default:
		return nil
	}
}

// SortRequests sorts reqs by timestamp and then by ID.
func SortRequests(reqs []*WebRequest) {
	slices.SortFunc(reqs, func(a, b *WebRequest) (res int) {
		if res = a.Timestamp.Compare(b.Timestamp); res != 0 {
			return res
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

// Country is an ISO 3166-1 alpha-2 country code.
type Country string

// CountryNone means the country is unknown.
const CountryNone Country = ""

// NewCountry converts s into a Country and validates it.  An empty s is
// converted into CountryNone.
func NewCountry(s string) (c Country, err error) {
	if s == "" {
		return CountryNone, nil
	}

	if len(s) != 2 || !isUpper(s[0]) || !isUpper(s[1]) {
		return CountryNone, &NotACountryError{Code: s}
	}

	return Country(s), nil
}

func isUpper(b byte) (ok bool) {
	return b >= 'A' && b <= 'Z'
}

// NotACountryError is returned from NewCountry when the string doesn't
// represent a valid country.
type NotACountryError struct {
	// Code is the code presented to NewCountry.
	Code string
}

// Error implements the error interface for *NotACountryError.
func (err *NotACountryError) Error() (msg string) {
	return fmt.Sprintf("%q is not a valid iso 3166-1 alpha-2 code", err.Code)
}
