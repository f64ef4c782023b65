package middleware

import (
	"context"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/audit"
	"github.com/smarthealth/auditchain/internal/auth"
)

// AccessRecorder is the auditor call used to log patient-scoped reads.
type AccessRecorder interface {
	LogDataAccess(ctx context.Context, patientID, accessedBy, accessType, dataType string, extra map[string]interface{}) (string, error)
}

// AccessAudit records a data_access block for every successful request on a
// route with a :patient_id parameter. Recording is best effort: a ledger
// failure is logged and the response is left untouched.
func AccessAudit(recorder AccessRecorder, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			patientID := c.Param("patient_id")
			if patientID == "" || err != nil || c.Response().Status >= 400 {
				return err
			}

			req := c.Request()
			rid, _ := c.Get("request_id").(string)
			extra := map[string]interface{}{
				"request_id": rid,
				"method":     req.Method,
				"path":       req.URL.Path,
				"remote_ip":  c.RealIP(),
			}

			ctx := context.WithoutCancel(req.Context())
			accessedBy := auth.UserIDFromContext(ctx)

			audit.BestEffort(logger, "api_read", func() (string, error) {
				return recorder.LogDataAccess(ctx, patientID, accessedBy, "read", dataTypeFromRoute(c.Path()), extra)
			})

			return nil
		}
	}
}

// dataTypeFromRoute turns "/api/v1/blockchain/audit-trail/:patient_id" into "audit_trail".
func dataTypeFromRoute(route string) string {
	route = strings.TrimSuffix(route, "/:patient_id")
	return strings.ReplaceAll(path.Base(route), "-", "_")
}
