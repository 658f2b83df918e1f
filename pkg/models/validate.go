package models

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrInvalidMessage is returned for inbound messages with a malformed shape.
var ErrInvalidMessage = errors.New("invalid message")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// Validate checks an inbound route event before any business logic runs.
func (m UpdateMessage) Validate() error {
	if m.Key == "" {
		return invalid("update without key")
	}
	if _, err := netip.ParsePrefix(m.Prefix); err != nil {
		return invalid("update %s: prefix %q", m.Key, m.Prefix)
	}
	switch m.Type {
	case Announcement, Withdrawal:
	default:
		return invalid("update %s: type %q", m.Key, m.Type)
	}
	if m.Timestamp <= 0 {
		return invalid("update %s: missing timestamp", m.Key)
	}
	return nil
}

// Validate checks the required fields of a detector notification.
func (n HijackNotification) Validate() error {
	if n.Key == "" {
		return invalid("hijack without key")
	}
	if _, err := netip.ParsePrefix(n.Prefix); err != nil {
		return invalid("hijack %s: prefix %q", n.Key, n.Prefix)
	}
	if n.Type == "" {
		return invalid("hijack %s: missing type", n.Key)
	}
	return nil
}

// Validate checks a withdrawal observation.
func (w WithdrawalMessage) Validate() error {
	if w.Key == "" {
		return invalid("withdrawal without key")
	}
	if _, err := netip.ParsePrefix(w.Prefix); err != nil {
		return invalid("withdrawal %s: prefix %q", w.Key, w.Prefix)
	}
	if w.Timestamp <= 0 {
		return invalid("withdrawal %s: missing timestamp", w.Key)
	}
	return nil
}

// Validate checks a configuration message.
func (c ConfigMessage) Validate() error {
	if c.Timestamp <= 0 {
		return invalid("config without timestamp")
	}
	return nil
}

// Validate checks a hijack reference used by operator actions.
func (r HijackRef) Validate() error {
	if r.Key == "" {
		return invalid("hijack reference without key")
	}
	return nil
}

// Validate checks a mitigation request.
func (r MitigationRequest) Validate() error {
	if r.Key == "" {
		return invalid("mitigation request without key")
	}
	if _, err := netip.ParsePrefix(r.Prefix); err != nil {
		return invalid("mitigation request %s: prefix %q", r.Key, r.Prefix)
	}
	return nil
}
