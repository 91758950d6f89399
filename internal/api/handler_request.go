package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

// HandleListRequests returns a handler for GET /v1/requests. The board query
// parameter filters by destination uuid.
func HandleListRequests(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseListFilterOrWriteInvalid(w, r)
		if !ok {
			return
		}
		requests, err := repo.ListRequests(f, r.URL.Query().Get("board"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, requests)
	}
}

// HandleGetRequest returns a handler for GET /v1/requests/{uuid}.
func HandleGetRequest(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqUUID, ok := requireUUIDPathParam(w, r, "uuid", "request_uuid")
		if !ok {
			return
		}
		req, err := repo.GetRequest(reqUUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

// HandleListResults returns a handler for GET /v1/requests/{uuid}/results.
func HandleListResults(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqUUID, ok := requireUUIDPathParam(w, r, "uuid", "request_uuid")
		if !ok {
			return
		}
		if _, err := repo.GetRequest(reqUUID); err != nil {
			writeDomainError(w, err)
			return
		}
		results, err := repo.ListResults(reqUUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, results)
	}
}
