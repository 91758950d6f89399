package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

// HandleListAgents returns a handler for GET /v1/wampagents.
func HandleListAgents(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := repo.ListOnlineAgents()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, agents)
	}
}

// HandleListConductors returns a handler for GET /v1/conductors.
func HandleListConductors(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conductors, err := repo.ListConductors()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, conductors)
	}
}
