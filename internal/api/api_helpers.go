package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

const maxListLimit = 1000

type requestBodyTooLargeError struct {
	Limit int64
}

func (e *requestBodyTooLargeError) Error() string {
	return fmt.Sprintf("request body too large (max %d bytes)", e.Limit)
}

// ParseListFilter reads limit, marker, project, sort_key and sort_dir from
// query parameters into the repository's keyset filter. Sort validation is
// per entity and happens in the repository.
func ParseListFilter(r *http.Request) (state.ListFilter, error) {
	f := state.ListFilter{
		Project: r.URL.Query().Get("project"),
		SortKey: r.URL.Query().Get("sort_key"),
		SortDir: r.URL.Query().Get("sort_dir"),
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit: must be a non-negative integer")
		}
		if n > maxListLimit {
			return f, fmt.Errorf("limit: must be <= %d", maxListLimit)
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("marker"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return f, fmt.Errorf("marker: must be a non-negative integer")
		}
		f.Marker = n
	}
	return f, nil
}

func parseListFilterOrWriteInvalid(w http.ResponseWriter, r *http.Request) (state.ListFilter, bool) {
	f, err := ParseListFilter(r)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return state.ListFilter{}, false
	}
	return f, true
}

// DecodeBody decodes the JSON request body into v, rejecting unknown fields.
func DecodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: must contain a single JSON value")
	}
	return nil
}

// PathParam extracts a named path parameter from the request URL.
func PathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// ValidateUUID checks that s is a valid lowercase canonical UUID string.
func ValidateUUID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return s == id.String()
}

func requireUUIDPathParam(w http.ResponseWriter, r *http.Request, paramName, fieldName string) (string, bool) {
	value := PathParam(r, paramName)
	if !ValidateUUID(value) {
		writeInvalidArgument(w, fmt.Sprintf("%s: must be a valid UUID", fieldName))
		return "", false
	}
	return value, true
}
