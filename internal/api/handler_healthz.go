package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/buildinfo"
)

// HandleHealthz returns a handler for GET /healthz.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
		})
	}
}
