package scim

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/patch"
	"github.com/dhawalhost/scimgate/internal/resource"
	"github.com/dhawalhost/scimgate/internal/store"
)

// ErrorResponse is the RFC 7644 §3.12 error body. Status is the HTTP status
// code rendered as a decimal string.
type ErrorResponse struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Error is the service-level failure carried up to the HTTP layer.
type Error struct {
	Status   int
	ScimType string
	Detail   string
}

func (e *Error) Error() string {
	if e.ScimType != "" {
		return fmt.Sprintf("scim %d %s: %s", e.Status, e.ScimType, e.Detail)
	}
	return fmt.Sprintf("scim %d: %s", e.Status, e.Detail)
}

// Body builds the wire representation of the error.
func (e *Error) Body() ErrorResponse {
	return ErrorResponse{
		Schemas:  []string{resource.SchemaError},
		Status:   fmt.Sprintf("%d", e.Status),
		ScimType: e.ScimType,
		Detail:   e.Detail,
	}
}

func badRequest(scimType, detail string) *Error {
	return &Error{Status: http.StatusBadRequest, ScimType: scimType, Detail: detail}
}

func notFound(kind, id string) *Error {
	return &Error{Status: http.StatusNotFound, Detail: fmt.Sprintf("%s %s not found", kind, id)}
}

func conflict(detail string) *Error {
	return &Error{Status: http.StatusConflict, ScimType: "uniqueness", Detail: detail}
}

func preconditionFailed() *Error {
	return &Error{Status: http.StatusPreconditionFailed, Detail: "version does not match the current resource"}
}

func internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Detail: err.Error()}
}

// asSCIMError coerces any error coming out of the lower layers into an
// *Error with the right status and scimType.
func asSCIMError(kind, id string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var ve *resource.ValidationError
	if errors.As(err, &ve) {
		return badRequest(ve.Type, ve.Detail)
	}
	var pe *patch.Error
	if errors.As(err, &pe) {
		return badRequest(pe.ScimType, pe.Detail)
	}
	var ue *store.UniquenessError
	if errors.As(err, &ue) {
		return conflict(fmt.Sprintf("a resource with this %s already exists", ue.Attribute))
	}
	var fe *filter.UnknownAttrError
	if errors.As(err, &fe) {
		return badRequest("invalidFilter", fe.Error())
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound(kind, id)
	case errors.Is(err, store.ErrVersionMismatch):
		return preconditionFailed()
	}
	return internal(err)
}
