package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// Server wraps the HTTP server and mux for the conductor API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes. When apiToken is
// empty the /v1 tree is served without authentication.
func NewServer(
	listenAddress string,
	port int,
	apiToken string,
	repo *state.Repo,
	co *workflow.Coordinator,
	apiMaxBodyBytes int64,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	authed := http.NewServeMux()

	// Boards.
	authed.Handle("GET /v1/boards", HandleListBoards(repo))
	authed.Handle("POST /v1/boards", HandleCreateBoard(co))
	authed.Handle("GET /v1/boards/{identity}", HandleGetBoard(repo))
	authed.Handle("PATCH /v1/boards/{identity}", HandleUpdateBoard(repo, co))
	authed.Handle("DELETE /v1/boards/{identity}", HandleDestroyBoard(repo, co))
	authed.Handle("POST /v1/boards/{identity}/action", HandleBoardAction(repo, co))
	authed.Handle("GET /v1/boards/{identity}/sessions", HandleListBoardSessions(repo))

	// Plugins, global and per-board.
	authed.Handle("GET /v1/plugins", HandleListPlugins(repo))
	authed.Handle("POST /v1/plugins", HandleCreatePlugin(co))
	authed.Handle("GET /v1/plugins/{identity}", HandleGetPlugin(repo))
	authed.Handle("PATCH /v1/plugins/{identity}", HandleUpdatePlugin(repo, co))
	authed.Handle("DELETE /v1/plugins/{identity}", HandleDestroyPlugin(co))
	authed.Handle("GET /v1/boards/{identity}/plugins", HandleListInjections(repo))
	authed.Handle("PUT /v1/boards/{identity}/plugins", HandleInjectPlugin(repo, co))
	authed.Handle("DELETE /v1/boards/{identity}/plugins/{plugin}", HandleRemovePlugin(repo, co))
	authed.Handle("POST /v1/boards/{identity}/plugins/{plugin}/action", HandlePluginAction(repo, co))

	// Services and per-board exposures.
	authed.Handle("GET /v1/services", HandleListServices(repo))
	authed.Handle("POST /v1/services", HandleCreateService(co))
	authed.Handle("GET /v1/services/{identity}", HandleGetService(repo))
	authed.Handle("PATCH /v1/services/{identity}", HandleUpdateService(repo, co))
	authed.Handle("DELETE /v1/services/{identity}", HandleDestroyService(co))
	authed.Handle("GET /v1/boards/{identity}/services", HandleListExposedServices(repo))
	authed.Handle("POST /v1/boards/{identity}/services/{service}/action", HandleServiceAction(repo, co))

	// Webservices.
	authed.Handle("GET /v1/webservices", HandleListEnabledWebservices(repo))
	authed.Handle("GET /v1/boards/{identity}/webservices", HandleListWebservices(repo))
	authed.Handle("POST /v1/boards/{identity}/webservices", HandleExposeWebservice(repo, co))
	authed.Handle("POST /v1/boards/{identity}/webservices/enable", HandleEnableWebservice(repo, co))
	authed.Handle("POST /v1/boards/{identity}/webservices/disable", HandleDisableWebservice(repo, co))
	authed.Handle("POST /v1/boards/{identity}/webservices/renew", HandleRenewWebservice(repo, co))
	authed.Handle("DELETE /v1/webservices/{identity}", HandleDestroyWebservice(co))

	// Fleets.
	authed.Handle("GET /v1/fleets", HandleListFleets(repo))
	authed.Handle("POST /v1/fleets", HandleCreateFleet(co))
	authed.Handle("GET /v1/fleets/{identity}", HandleGetFleet(repo))
	authed.Handle("PATCH /v1/fleets/{identity}", HandleUpdateFleet(repo, co))
	authed.Handle("DELETE /v1/fleets/{identity}", HandleDestroyFleet(co))
	authed.Handle("GET /v1/fleets/{identity}/boards", HandleListFleetBoards(repo))
	authed.Handle("PUT /v1/fleets/{identity}/boards/{board}", HandleAssignBoardToFleet(repo, co))

	// Virtual-network ports.
	authed.Handle("GET /v1/boards/{identity}/ports", HandleListPorts(repo))
	authed.Handle("POST /v1/boards/{identity}/ports", HandleAttachPort(repo, co))
	authed.Handle("DELETE /v1/boards/{identity}/ports/{port}", HandleDetachPort(repo, co))

	// Requests and results.
	authed.Handle("GET /v1/requests", HandleListRequests(repo))
	authed.Handle("GET /v1/requests/{uuid}", HandleGetRequest(repo))
	authed.Handle("GET /v1/requests/{uuid}/results", HandleListResults(repo))

	// Infrastructure processes.
	authed.Handle("GET /v1/wampagents", HandleListAgents(repo))
	authed.Handle("GET /v1/conductors", HandleListConductors(repo))

	limited := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	if apiToken != "" {
		mux.Handle("/v1/", AuthMiddleware(apiToken, limited))
	} else {
		mux.Handle("/v1/", limited)
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
