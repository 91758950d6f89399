package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// CreateServiceRequest is the body of POST /v1/services.
type CreateServiceRequest struct {
	UUID     string         `json:"uuid"`
	Name     string         `json:"name"`
	Project  string         `json:"project"`
	Port     int            `json:"port"`
	Protocol string         `json:"protocol"`
	Extra    map[string]any `json:"extra"`
}

// UpdateServiceRequest is the body of PATCH /v1/services/{identity}.
type UpdateServiceRequest struct {
	Name     *string        `json:"name"`
	Port     *int           `json:"port"`
	Protocol *string        `json:"protocol"`
	Extra    map[string]any `json:"extra"`
}

// ServiceActionRequest is the body of
// POST /v1/boards/{identity}/services/{service}/action.
type ServiceActionRequest struct {
	Action string `json:"action"`
}

// ServiceActionResponse carries the public endpoint of an enabled service.
type ServiceActionResponse struct {
	Message string `json:"message"`
}

// HandleListServices returns a handler for GET /v1/services.
func HandleListServices(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseListFilterOrWriteInvalid(w, r)
		if !ok {
			return
		}
		services, err := repo.ListServices(f)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, services)
	}
}

// HandleCreateService returns a handler for POST /v1/services.
func HandleCreateService(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateServiceRequest
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
		s := &model.Service{
			UUID:     req.UUID,
			Name:     req.Name,
			Project:  req.Project,
			Port:     req.Port,
			Protocol: req.Protocol,
			Extra:    req.Extra,
		}
		if err := co.CreateService(s); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, s)
	}
}

// HandleGetService returns a handler for GET /v1/services/{identity}.
func HandleGetService(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := repo.GetService(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

// HandleUpdateService returns a handler for PATCH /v1/services/{identity}.
func HandleUpdateService(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := repo.GetService(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req UpdateServiceRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name != nil {
			s.Name = *req.Name
		}
		if req.Port != nil {
			if *req.Port < 1 || *req.Port > 65535 {
				writeInvalidArgument(w, "port: must be in [1, 65535]")
				return
			}
			s.Port = *req.Port
		}
		if req.Protocol != nil {
			s.Protocol = *req.Protocol
		}
		if req.Extra != nil {
			s.Extra = req.Extra
		}
		if err := co.UpdateService(s); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

// HandleDestroyService returns a handler for DELETE /v1/services/{identity}.
func HandleDestroyService(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := co.DestroyService(PathParam(r, "identity")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListExposedServices returns a handler for GET /v1/boards/{identity}/services.
func HandleListExposedServices(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		exposures, err := repo.ListExposedServices(b.UUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, exposures)
	}
}

// HandleServiceAction returns a handler for
// POST /v1/boards/{identity}/services/{service}/action.
func HandleServiceAction(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req ServiceActionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		msg, err := co.ActionService(r.Context(), PathParam(r, "service"), b.UUID, req.Action)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ServiceActionResponse{Message: msg})
	}
}
