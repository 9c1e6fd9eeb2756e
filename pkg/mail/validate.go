package mail

import "errors"

// ErrMissingFields is returned when a mail document lacks a recipient,
// subject, or HTML body.
var ErrMissingFields = errors.New("missing required fields")

// ValidatePayload checks that the document carries everything needed for a
// send. Empty recipients inside the list count as missing.
func ValidatePayload(to []string, subject, html string) error {
	if len(to) == 0 || subject == "" || html == "" {
		return ErrMissingFields
	}
	for _, addr := range to {
		if addr == "" {
			return ErrMissingFields
		}
	}
	return nil
}
