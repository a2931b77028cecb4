// Package response writes the JSON envelope shared by every API endpoint:
// {success, data, pagination?} on success and {success:false, error} on
// failure.
package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/audittrail/pkg/pagination"
)

type Envelope struct {
	Success    bool             `json:"success"`
	Data       any              `json:"data,omitempty"`
	Pagination *pagination.Meta `json:"pagination,omitempty"`
	Error      *ErrorBody       `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func OK(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

func Accepted(c echo.Context, data any) error {
	return c.JSON(http.StatusAccepted, Envelope{Success: true, Data: data})
}

func Paged(c echo.Context, data any, meta *pagination.Meta) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data, Pagination: meta})
}

func Fail(c echo.Context, status int, body ErrorBody) error {
	return c.JSON(status, Envelope{Success: false, Error: &body})
}
