// Package api exposes the ledger over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/audit"
	"github.com/smarthealth/auditchain/internal/auth"
	"github.com/smarthealth/auditchain/internal/chain"
	"github.com/smarthealth/auditchain/internal/ledger"
	"github.com/smarthealth/auditchain/internal/middleware"
)

const (
	defaultTrailLimit    = 50
	defaultActivityHours = 24
	defaultActivityLimit = 100
	defaultReportDays    = 30
)

type Handler struct {
	ledger  *ledger.Ledger
	auditor *audit.Auditor
	logger  zerolog.Logger
}

func NewHandler(l *ledger.Ledger, a *audit.Auditor, logger zerolog.Logger) *Handler {
	return &Handler{
		ledger:  l,
		auditor: a,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts the ledger endpoints on g, normally /api/v1/blockchain.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	staff := g.Group("", auth.RequireRole(auth.RoleDoctor))
	staff.GET("/stats", h.GetStats)
	staff.GET("/recent-activity", h.GetRecentActivity)

	g.GET("/verify-integrity", h.VerifyIntegrity, auth.RequireRole(auth.RoleAdmin))

	patient := g.Group("", middleware.AccessAudit(h.auditor, h.logger))
	patient.GET("/audit-trail/:patient_id", h.GetAuditTrail)
	patient.GET("/consent-log/:patient_id", h.GetConsentLog)
	patient.GET("/data-access-report/:patient_id", h.GetDataAccessReport)

	g.POST("/events", h.RecordEvent, auth.RequireRole(auth.RoleService))
}

func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.ledger.Stats(c.Request().Context())
	if err != nil {
		return h.internalError(c, err, "Error retrieving blockchain stats")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"blockchain_stats": stats,
		"message":          "Blockchain statistics retrieved successfully",
	})
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	patientID := c.Param("patient_id")
	if err := auth.AuthorizePatientView(c.Request().Context(), patientID, "audit trail"); err != nil {
		return err
	}

	limit, err := queryInt(c, "limit", defaultTrailLimit)
	if err != nil {
		return err
	}
	skip, err := queryInt(c, "skip", 0)
	if err != nil {
		return err
	}

	page, err := h.ledger.PatientAuditTrailPage(c.Request().Context(), patientID, skip, limit)
	if err != nil {
		return h.internalError(c, err, "Error retrieving audit trail")
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) GetConsentLog(c echo.Context) error {
	patientID := c.Param("patient_id")
	if err := auth.AuthorizePatientView(c.Request().Context(), patientID, "consent log"); err != nil {
		return err
	}

	events, err := h.auditor.PatientConsentLog(c.Request().Context(), patientID)
	if err != nil {
		return h.internalError(c, err, "Error retrieving consent log")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":     patientID,
		"consent_events": events,
		"total_events":   len(events),
	})
}

func (h *Handler) VerifyIntegrity(c echo.Context) error {
	result, err := h.ledger.Verify(c.Request().Context())
	if err != nil {
		return h.internalError(c, err, "Error verifying blockchain integrity")
	}

	resp := map[string]interface{}{
		"blockchain_valid":       result.Valid,
		"blocks_checked":         result.BlocksChecked,
		"verification_timestamp": time.Now().UTC().Format(chain.TimestampLayout),
		"message":                "Blockchain integrity verified",
	}
	if !result.Valid {
		resp["message"] = "Blockchain integrity compromised!"
		resp["failed_index"] = result.FailedIndex
		resp["reason"] = result.Reason
		h.logger.Error().
			Int64("index", result.FailedIndex).
			Str("reason", result.Reason).
			Msg("integrity check requested through api failed")
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetRecentActivity(c echo.Context) error {
	hours, err := queryInt(c, "hours", defaultActivityHours)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", defaultActivityLimit)
	if err != nil {
		return err
	}

	report, err := h.ledger.RecentActivity(c.Request().Context(), hours, limit)
	if err != nil {
		return h.internalError(c, err, "Error retrieving recent activity")
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) GetDataAccessReport(c echo.Context) error {
	patientID := c.Param("patient_id")
	if err := auth.AuthorizePatientView(c.Request().Context(), patientID, "data access report"); err != nil {
		return err
	}

	days, err := queryInt(c, "days", defaultReportDays)
	if err != nil {
		return err
	}

	report, err := h.ledger.DataAccessReport(c.Request().Context(), patientID, days)
	if err != nil {
		return h.internalError(c, err, "Error generating data access report")
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) internalError(c echo.Context, err error, msg string) error {
	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).Str("request_id", rid).Msg(msg)
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}

// queryInt reads a non-negative integer query parameter, falling back to def
// when it is absent.
func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" parameter")
	}
	return v, nil
}
