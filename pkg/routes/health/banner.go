package health

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Banner describes the service at GET /
type Banner struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// RegisterBanner serves the service banner at the root path
func RegisterBanner(e *echo.Echo, name, version string) {
	banner := Banner{
		Status:  "ok",
		Message: name + " identity reconciliation service is running",
		Version: version,
		Endpoints: map[string]string{
			"identify": "POST /identify",
			"contact":  "GET /contacts/:id",
			"health":   "GET /api/v1/health",
			"metrics":  "GET /metrics",
		},
	}

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, banner)
	})
}
