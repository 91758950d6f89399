package state

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested resource does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// Per-resource variants wrap the base sentinels so callers can match either
// the broad class (errors.Is(err, ErrNotFound)) or the exact resource.
var (
	ErrBoardNotFound             = notFound("board")
	ErrSessionNotFound           = notFound("session")
	ErrAgentNotFound             = notFound("wamp agent")
	ErrPluginNotFound            = notFound("plugin")
	ErrInjectionPluginNotFound   = notFound("injected plugin")
	ErrServiceNotFound           = notFound("service")
	ErrExposedServiceNotFound    = notFound("exposed service")
	ErrWebserviceNotFound        = notFound("webservice")
	ErrEnabledWebserviceNotFound = notFound("enabled webservice")
	ErrPortNotFound              = notFound("port")
	ErrFleetNotFound             = notFound("fleet")
	ErrRequestNotFound           = notFound("request")
	ErrResultNotFound            = notFound("result")
)

var (
	// ErrDuplicateCode: board registration code already taken.
	ErrDuplicateCode = fmt.Errorf("duplicate code: %w", ErrConflict)
	// ErrDuplicateName: entity name already taken.
	ErrDuplicateName = fmt.Errorf("duplicate name: %w", ErrConflict)
	// ErrAlreadyExists: any other uniqueness violation on create/update.
	ErrAlreadyExists = fmt.Errorf("already exists: %w", ErrConflict)
	// ErrServiceAlreadyExposed: (board, service) already has a public port.
	ErrServiceAlreadyExposed = fmt.Errorf("service already exposed: %w", ErrConflict)
	// ErrWebserviceAlreadyEnabled: board already has webservice exposure.
	ErrWebserviceAlreadyEnabled = fmt.Errorf("webservices already enabled on board: %w", ErrConflict)
	// ErrDNSAlreadyExists: requested DNS label is taken by another board.
	ErrDNSAlreadyExists = fmt.Errorf("dns already exists: %w", ErrConflict)
)

// ErrInvalidIdentity is returned when an identifier is neither a row id nor a UUID.
var ErrInvalidIdentity = errors.New("identity is neither an id nor a uuid")

// ErrInvalidSort is returned when a listing names an unknown sort column or
// direction.
var ErrInvalidSort = errors.New("invalid sort parameter")

func notFound(resource string) error {
	return fmt.Errorf("%s: %w", resource, ErrNotFound)
}

// uniqueViolations maps the column named in a SQLite "UNIQUE constraint failed"
// message to the typed error the caller should see.
var uniqueViolations = []struct {
	column string
	err    error
}{
	{"boards.code", ErrDuplicateCode},
	{"boards.name", ErrDuplicateName},
	{"fleets.name", ErrDuplicateName},
	{"services.name", ErrDuplicateName},
	{"plugins.uuid", ErrAlreadyExists},
	{"boards.uuid", ErrAlreadyExists},
	{"exposed_services.board_uuid", ErrServiceAlreadyExposed},
	{"exposed_services.public_port", ErrAlreadyExists},
	{"webservices.board_uuid", ErrAlreadyExists},
	{"enabled_webservices.board_uuid", ErrWebserviceAlreadyEnabled},
	{"enabled_webservices.dns", ErrDNSAlreadyExists},
}

// mapUniqueViolation converts a modernc.org/sqlite constraint failure into the
// typed conflict error for the offending column. Other errors pass through.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	for _, v := range uniqueViolations {
		if strings.Contains(msg, v.column) {
			return v.err
		}
	}
	return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
}
