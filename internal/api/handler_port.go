package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// AttachPortRequest is the body of POST /v1/boards/{identity}/ports.
type AttachPortRequest struct {
	NetworkUUID string `json:"network_uuid"`
	SubnetUUID  string `json:"subnet_uuid"`
}

// HandleListPorts returns a handler for GET /v1/boards/{identity}/ports.
func HandleListPorts(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		ports, err := repo.ListPorts(b.UUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, ports)
	}
}

// HandleAttachPort returns a handler for POST /v1/boards/{identity}/ports.
func HandleAttachPort(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req AttachPortRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if !ValidateUUID(req.NetworkUUID) {
			writeInvalidArgument(w, "network_uuid: must be a valid UUID")
			return
		}
		if !ValidateUUID(req.SubnetUUID) {
			writeInvalidArgument(w, "subnet_uuid: must be a valid UUID")
			return
		}
		port, err := co.CreatePortOnBoard(r.Context(), b.UUID, req.NetworkUUID, req.SubnetUUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, port)
	}
}

// HandleDetachPort returns a handler for
// DELETE /v1/boards/{identity}/ports/{port}.
func HandleDetachPort(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		portUUID, ok := requireUUIDPathParam(w, r, "port", "port_uuid")
		if !ok {
			return
		}
		if err := co.RemoveVIFFromBoard(r.Context(), b.UUID, portUUID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
