package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
// Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasAnyRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// AuthorizePatientView applies the read rule for patient-scoped ledger views:
// doctors and admins see any patient, patients only themselves.
func AuthorizePatientView(ctx context.Context, patientID, view string) error {
	if HasAnyRole(ctx, RoleDoctor) {
		return nil
	}
	if HasAnyRole(ctx, RolePatient) {
		if UserIDFromContext(ctx) == patientID {
			return nil
		}
		return echo.NewHTTPError(http.StatusForbidden,
			fmt.Sprintf("Patients can only view their own %s", view))
	}
	return echo.NewHTTPError(http.StatusForbidden, "Access denied")
}
