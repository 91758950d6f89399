package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// EnableWebserviceRequest is the body of
// POST /v1/boards/{identity}/webservices/enable.
type EnableWebserviceRequest struct {
	DNS   string `json:"dns"`
	Zone  string `json:"zone"`
	Email string `json:"email"`
}

// ExposeWebserviceRequest is the body of POST /v1/boards/{identity}/webservices.
type ExposeWebserviceRequest struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
}

// HandleListEnabledWebservices returns a handler for GET /v1/webservices.
func HandleListEnabledWebservices(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exposures, err := repo.ListEnabledWebservices()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, exposures)
	}
}

// HandleListWebservices returns a handler for GET /v1/boards/{identity}/webservices.
func HandleListWebservices(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		webservices, err := repo.ListWebservices(b.UUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, webservices)
	}
}

// HandleEnableWebservice returns a handler for
// POST /v1/boards/{identity}/webservices/enable.
func HandleEnableWebservice(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req EnableWebserviceRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.DNS == "" {
			writeInvalidArgument(w, "dns: must not be empty")
			return
		}
		if req.Zone == "" {
			writeInvalidArgument(w, "zone: must not be empty")
			return
		}
		exposure, err := co.EnableWebservice(r.Context(), b.UUID, req.DNS, req.Zone, req.Email)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, exposure)
	}
}

// HandleDisableWebservice returns a handler for
// POST /v1/boards/{identity}/webservices/disable.
func HandleDisableWebservice(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := co.DisableWebservice(r.Context(), b.UUID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRenewWebservice returns a handler for
// POST /v1/boards/{identity}/webservices/renew.
func HandleRenewWebservice(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := co.RenewWebservice(r.Context(), b.UUID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleExposeWebservice returns a handler for POST /v1/boards/{identity}/webservices.
func HandleExposeWebservice(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req ExposeWebserviceRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name == "" {
			writeInvalidArgument(w, "name: must not be empty")
			return
		}
		if req.Port < 1 || req.Port > 65535 {
			writeInvalidArgument(w, "port: must be in [1, 65535]")
			return
		}
		ws, err := co.CreateWebservice(r.Context(), b.UUID, req.Name, req.Port, req.Secure)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, ws)
	}
}

// HandleDestroyWebservice returns a handler for DELETE /v1/webservices/{identity}.
func HandleDestroyWebservice(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := co.DestroyWebservice(r.Context(), PathParam(r, "identity")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
