package utils

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
)

var jsonBinder = &echo.DefaultBinder{}

// BindRequest decodes the JSON body into T and validates it. Both failures are 400s.
// Path and query parameters are not bound; handlers read those themselves.
func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := jsonBinder.BindBody(c, &v); err != nil {
		return v, httperror.NewHTTPError(http.StatusBadRequest, bindErrorMessage(err))
	}

	if _, err := Validate(v); err != nil {
		return v, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return v, nil
}

func bindErrorMessage(err error) string {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		return "invalid request body"
	}
	if he.Code == http.StatusUnsupportedMediaType {
		return "request body must be application/json"
	}
	if he.Internal != nil {
		return "invalid request body: " + he.Internal.Error()
	}
	return "invalid request body"
}
