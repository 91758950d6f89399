package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// CreatePluginRequest is the body of POST /v1/plugins.
type CreatePluginRequest struct {
	UUID       string         `json:"uuid"`
	Name       string         `json:"name"`
	Owner      string         `json:"owner"`
	Public     bool           `json:"public"`
	Code       string         `json:"code"`
	Callable   bool           `json:"callable"`
	Parameters map[string]any `json:"parameters"`
	Extra      map[string]any `json:"extra"`
}

// UpdatePluginRequest is the body of PATCH /v1/plugins/{identity}.
type UpdatePluginRequest struct {
	Name       *string        `json:"name"`
	Public     *bool          `json:"public"`
	Code       *string        `json:"code"`
	Callable   *bool          `json:"callable"`
	Parameters map[string]any `json:"parameters"`
	Extra      map[string]any `json:"extra"`
}

// InjectPluginRequest is the body of PUT /v1/boards/{identity}/plugins.
type InjectPluginRequest struct {
	Plugin string `json:"plugin"` // plugin id, uuid or name
	OnBoot bool   `json:"onboot"`
}

// PluginActionRequest is the body of
// POST /v1/boards/{identity}/plugins/{plugin}/action.
type PluginActionRequest struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// HandleListPlugins returns a handler for GET /v1/plugins.
func HandleListPlugins(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseListFilterOrWriteInvalid(w, r)
		if !ok {
			return
		}
		plugins, err := repo.ListPlugins(f, r.URL.Query().Get("owner"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, plugins)
	}
}

// HandleCreatePlugin returns a handler for POST /v1/plugins.
func HandleCreatePlugin(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreatePluginRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name == "" {
			writeInvalidArgument(w, "name: must not be empty")
			return
		}
		p := &model.Plugin{
			UUID:       req.UUID,
			Name:       req.Name,
			Owner:      req.Owner,
			Public:     req.Public,
			Code:       req.Code,
			Callable:   req.Callable,
			Parameters: req.Parameters,
			Extra:      req.Extra,
		}
		if err := co.CreatePlugin(p); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, p)
	}
}

// HandleGetPlugin returns a handler for GET /v1/plugins/{identity}.
func HandleGetPlugin(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := repo.GetPlugin(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleUpdatePlugin returns a handler for PATCH /v1/plugins/{identity}.
func HandleUpdatePlugin(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := repo.GetPlugin(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req UpdatePluginRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name != nil {
			p.Name = *req.Name
		}
		if req.Public != nil {
			p.Public = *req.Public
		}
		if req.Code != nil {
			p.Code = *req.Code
		}
		if req.Callable != nil {
			p.Callable = *req.Callable
		}
		if req.Parameters != nil {
			p.Parameters = req.Parameters
		}
		if req.Extra != nil {
			p.Extra = req.Extra
		}
		if err := co.UpdatePlugin(p); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

// HandleDestroyPlugin returns a handler for DELETE /v1/plugins/{identity}.
func HandleDestroyPlugin(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := co.DestroyPlugin(PathParam(r, "identity")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListInjections returns a handler for GET /v1/boards/{identity}/plugins.
func HandleListInjections(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		injections, err := repo.ListInjections(b.UUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, injections)
	}
}

// HandleInjectPlugin returns a handler for PUT /v1/boards/{identity}/plugins.
func HandleInjectPlugin(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req InjectPluginRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Plugin == "" {
			writeInvalidArgument(w, "plugin: must not be empty")
			return
		}
		if err := co.InjectPlugin(r.Context(), b.UUID, req.Plugin, req.OnBoot); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRemovePlugin returns a handler for
// DELETE /v1/boards/{identity}/plugins/{plugin}.
func HandleRemovePlugin(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := co.RemovePlugin(r.Context(), b.UUID, PathParam(r, "plugin")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandlePluginAction returns a handler for
// POST /v1/boards/{identity}/plugins/{plugin}/action.
func HandlePluginAction(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req PluginActionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		msg, err := co.ActionPlugin(r.Context(), b.UUID, PathParam(r, "plugin"), req.Action, req.Parameters)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ActionResponse{Message: msg})
	}
}
