package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/dispatcher"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeDomainError maps repository, dispatcher and workflow errors to HTTP
// response codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")

	case errors.Is(err, state.ErrInvalidIdentity),
		errors.Is(err, state.ErrInvalidSort),
		errors.Is(err, workflow.ErrInvalidBoardAction),
		errors.Is(err, workflow.ErrInvalidPluginAction),
		errors.Is(err, workflow.ErrInvalidServiceAction):
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())

	case errors.Is(err, state.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())

	case errors.Is(err, dispatcher.ErrBoardNotConnected),
		errors.Is(err, workflow.ErrBoardInvalidStatus):
		WriteError(w, http.StatusConflict, "BOARD_OFFLINE", err.Error())

	case errors.Is(err, state.ErrConflict):
		WriteError(w, http.StatusConflict, "CONFLICT", err.Error())

	case errors.Is(err, workflow.ErrNotEnoughPortForService):
		WriteError(w, http.StatusServiceUnavailable, "PORTS_EXHAUSTED", err.Error())

	default:
		var execErr *dispatcher.ExecutionError
		if errors.As(err, &execErr) {
			WriteError(w, http.StatusBadGateway, "DEVICE_ERROR", execErr.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
