package api

import (
	"errors"
	"net/http"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/workflow"
)

// CreateBoardRequest is the body of POST /v1/boards.
type CreateBoardRequest struct {
	UUID     string          `json:"uuid"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Owner    string          `json:"owner"`
	Project  string          `json:"project"`
	Mobile   bool            `json:"mobile"`
	Config   map[string]any  `json:"config"`
	Extra    map[string]any  `json:"extra"`
	Location *model.Location `json:"location"`
}

// UpdateBoardRequest is the body of PATCH /v1/boards/{identity}. Nil fields
// keep their current value.
type UpdateBoardRequest struct {
	Name   *string        `json:"name"`
	Type   *string        `json:"type"`
	Owner  *string        `json:"owner"`
	Mobile *bool          `json:"mobile"`
	Config map[string]any `json:"config"`
	Extra  map[string]any `json:"extra"`
}

// BoardActionRequest is the body of POST /v1/boards/{identity}/action.
type BoardActionRequest struct {
	Action     string `json:"action"`
	Parameters []any  `json:"parameters"`
}

// ActionResponse carries the device's reply to a synchronous action.
type ActionResponse struct {
	Message string `json:"message"`
}

// HandleListBoards returns a handler for GET /v1/boards.
func HandleListBoards(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ok := parseListFilterOrWriteInvalid(w, r)
		if !ok {
			return
		}
		status := model.BoardStatus(r.URL.Query().Get("status"))
		boards, err := repo.ListBoards(f, status)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, boards)
	}
}

// HandleCreateBoard returns a handler for POST /v1/boards.
func HandleCreateBoard(co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBoardRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Code == "" {
			writeInvalidArgument(w, "code: must not be empty")
			return
		}
		if req.Name == "" {
			writeInvalidArgument(w, "name: must not be empty")
			return
		}
		b := &model.Board{
			UUID:    req.UUID,
			Code:    req.Code,
			Name:    req.Name,
			Type:    req.Type,
			Owner:   req.Owner,
			Project: req.Project,
			Mobile:  req.Mobile,
			Config:  req.Config,
			Extra:   req.Extra,
		}
		if err := co.CreateBoard(b, req.Location); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, b)
	}
}

// HandleGetBoard returns a handler for GET /v1/boards/{identity}.
func HandleGetBoard(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, b)
	}
}

// HandleUpdateBoard returns a handler for PATCH /v1/boards/{identity}.
func HandleUpdateBoard(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req UpdateBoardRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name != nil {
			b.Name = *req.Name
		}
		if req.Type != nil {
			b.Type = *req.Type
		}
		if req.Owner != nil {
			b.Owner = *req.Owner
		}
		if req.Mobile != nil {
			b.Mobile = *req.Mobile
		}
		if req.Config != nil {
			b.Config = req.Config
		}
		if req.Extra != nil {
			b.Extra = req.Extra
		}
		if err := co.UpdateBoard(b); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, b)
	}
}

// HandleDestroyBoard returns a handler for DELETE /v1/boards/{identity}.
func HandleDestroyBoard(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := co.DestroyBoard(r.Context(), b.UUID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleBoardAction returns a handler for POST /v1/boards/{identity}/action.
func HandleBoardAction(repo *state.Repo, co *workflow.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req BoardActionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		msg, err := co.ActionBoard(r.Context(), b.UUID, req.Action, req.Parameters)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ActionResponse{Message: msg})
	}
}

// HandleListBoardSessions returns a handler for GET /v1/boards/{identity}/sessions.
// Only the valid session is reported; at most one exists.
func HandleListBoardSessions(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := repo.GetBoard(PathParam(r, "identity"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s, err := repo.GetValidSession(b.UUID)
		if errors.Is(err, state.ErrNotFound) {
			WriteList(w, http.StatusOK, []model.Session{})
			return
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteList(w, http.StatusOK, []model.Session{*s})
	}
}
