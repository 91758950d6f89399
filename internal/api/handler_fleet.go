package api

import (
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// CreateFleetRequest is the body of POST /v1/fleets.
type CreateFleetRequest struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Project     string `json:"project"`
	Description string `json:"description"`
}

// UpdateFleetRequest is the body of PATCH /v1/fleets/{identity}.
type UpdateFleetRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// HandleListFleets returns a handler for GET /v1/fleets.
func HandleListFleets(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseListFilterOrWriteInvalid(w, r)
		if !ok {
			return
		}
		fleets, err := repo.ListFleets(f)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, fleets)
	}
}

// HandleCreateFleet returns a handler for POST /v1/fleets.
func HandleCreateFleet(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateFleetRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name == "" {
			writeInvalidArgument(w, "name: must not be empty")
			return
		}
		f := &model.Fleet{
			UUID:        req.UUID,
			Name:        req.Name,
			Project:     req.Project,
			Description: req.Description,
		}
		if err := co.CreateFleet(f); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, f)
	}
}

// HandleGetFleet returns a handler for GET /v1/fleets/{identity}.
func HandleGetFleet(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := repo.GetFleet(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

// HandleUpdateFleet returns a handler for PATCH /v1/fleets/{identity}.
func HandleUpdateFleet(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := repo.GetFleet(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req UpdateFleetRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name != nil {
			f.Name = *req.Name
		}
		if req.Description != nil {
			f.Description = *req.Description
		}
		if err := co.UpdateFleet(f); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

// HandleDestroyFleet returns a handler for DELETE /v1/fleets/{identity}.
func HandleDestroyFleet(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := co.DestroyFleet(PathParam(r, "identity")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListFleetBoards returns a handler for GET /v1/fleets/{identity}/boards.
func HandleListFleetBoards(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := repo.GetFleet(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		boards, err := repo.ListBoardsInFleet(f.UUID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, boards)
	}
}

// HandleAssignBoardToFleet returns a handler for
// PUT /v1/fleets/{identity}/boards/{board}.
func HandleAssignBoardToFleet(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := repo.GetFleet(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		b, err := repo.GetBoard(PathParam(r, "board"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := co.AssignBoardToFleet(b.UUID, f.UUID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
