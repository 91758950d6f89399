package workflow

import (
	"errors"
	"fmt"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

// ErrNotEnoughPortForService is returned when the public port pool is
// exhausted.
var ErrNotEnoughPortForService = errors.New("not enough free ports for service")

// ErrBoardInvalidStatus is returned when a workflow needs the board's agent
// but none is assigned.
var ErrBoardInvalidStatus = errors.New("board has no agent assigned")

// Action validation failures, one per domain.
var (
	ErrInvalidBoardAction   = errors.New("invalid board action")
	ErrInvalidPluginAction  = errors.New("invalid plugin action")
	ErrInvalidServiceAction = errors.New("invalid service action")
)

// DNSConflictError reports an enable_webservice rejected because the dns
// label is taken. The zero-pending parent request carrying the WARNING
// result is attached so the caller can point the operator at it.
type DNSConflictError struct {
	DNS        string
	ParentUUID string
}

func (e *DNSConflictError) Error() string {
	return fmt.Sprintf("dns %q already exists (request %s)", e.DNS, e.ParentUUID)
}

// Unwrap lets errors.Is match the repository's conflict sentinel.
func (e *DNSConflictError) Unwrap() error { return state.ErrDNSAlreadyExists }
