package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/smarthealth/auditchain/internal/chain"
)

const (
	statsRecentWindow   = 7 * 24 * time.Hour
	recentDisplayBlocks = 20
	reportRecentEvents  = 10
	dayLayout           = "2006-01-02"
)

type Stats struct {
	TotalBlocks         int64            `json:"total_blocks"`
	TransactionTypes    map[string]int64 `json:"transaction_types"`
	RecentActivity      int64            `json:"recent_activity"`
	BlockchainIntegrity bool             `json:"blockchain_integrity"`
}

type TrailPage struct {
	PatientID       string         `json:"patient_id"`
	AuditTrail      []*chain.Block `json:"audit_trail"`
	TotalRecords    int64          `json:"total_records"`
	ReturnedRecords int            `json:"returned_records"`
	Skip            int            `json:"skip"`
	Limit           int            `json:"limit"`
}

type ActivityReport struct {
	TimeRangeHours    int              `json:"time_range_hours"`
	TotalActivities   int              `json:"total_activities"`
	ActivityBreakdown map[string]int64 `json:"activity_breakdown"`
	RecentBlocks      []*chain.Block   `json:"recent_blocks"`
	QueryTimestamp    time.Time        `json:"query_timestamp"`
}

type AccessReport struct {
	PatientID          string           `json:"patient_id"`
	ReportPeriodDays   int              `json:"report_period_days"`
	TotalAccessEvents  int              `json:"total_access_events"`
	AccessByUser       map[string]int64 `json:"access_by_user"`
	AccessByDataType   map[string]int64 `json:"access_by_data_type"`
	DailyAccessPattern map[string]int64 `json:"daily_access_pattern"`
	RecentAccessEvents []*chain.Block   `json:"recent_access_events"`
	ReportGenerated    time.Time        `json:"report_generated"`
}

// PatientAuditTrail returns every block referencing patientID, newest first.
// An unknown or empty id yields an empty trail.
func (l *Ledger) PatientAuditTrail(ctx context.Context, patientID string) ([]*chain.Block, error) {
	if patientID == "" {
		return []*chain.Block{}, nil
	}

	blocks, err := l.store.Find(ctx, chain.Filter{PatientID: patientID})
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail: %w", err)
	}
	return blocks, nil
}

func (l *Ledger) PatientAuditTrailPage(ctx context.Context, patientID string, skip, limit int) (*TrailPage, error) {
	if skip < 0 {
		skip = 0
	}
	if limit < 0 {
		limit = 0
	}

	page := &TrailPage{
		PatientID:  patientID,
		AuditTrail: []*chain.Block{},
		Skip:       skip,
		Limit:      limit,
	}
	if patientID == "" || limit == 0 {
		return page, nil
	}

	total, err := l.store.Count(ctx, chain.Filter{PatientID: patientID})
	if err != nil {
		return nil, fmt.Errorf("failed to count audit trail: %w", err)
	}

	blocks, err := l.store.Find(ctx, chain.Filter{PatientID: patientID, Skip: skip, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to get audit trail: %w", err)
	}

	page.AuditTrail = blocks
	page.TotalRecords = total
	page.ReturnedRecords = len(blocks)
	return page, nil
}

func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	total, err := l.store.Count(ctx, chain.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to count blocks: %w", err)
	}

	histogram, err := l.store.ActionHistogram(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction histogram: %w", err)
	}

	recent, err := l.store.Count(ctx, chain.Filter{Since: l.now().Add(-statsRecentWindow)})
	if err != nil {
		return nil, fmt.Errorf("failed to count recent blocks: %w", err)
	}

	return &Stats{
		TotalBlocks:         total,
		TransactionTypes:    histogram,
		RecentActivity:      recent,
		BlockchainIntegrity: l.VerifyChainIntegrity(ctx),
	}, nil
}

// RecentActivity summarises up to limit blocks from the last hours hours.
func (l *Ledger) RecentActivity(ctx context.Context, hours, limit int) (*ActivityReport, error) {
	now := l.now().UTC()

	blocks, err := l.store.Find(ctx, chain.Filter{
		Since: now.Add(-time.Duration(hours) * time.Hour),
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get recent activity: %w", err)
	}

	breakdown := map[string]int64{
		string(chain.ActionDataAccess):        0,
		string(chain.ActionDataModification):  0,
		string(chain.ActionConsultationEvent): 0,
		string(chain.ActionAIInteraction):     0,
		"other":                               0,
	}
	for _, b := range blocks {
		action := string(b.ActionType())
		if _, ok := breakdown[action]; ok && action != "other" {
			breakdown[action]++
		} else {
			breakdown["other"]++
		}
	}

	display := blocks
	if len(display) > recentDisplayBlocks {
		display = display[:recentDisplayBlocks]
	}

	return &ActivityReport{
		TimeRangeHours:    hours,
		TotalActivities:   len(blocks),
		ActivityBreakdown: breakdown,
		RecentBlocks:      display,
		QueryTimestamp:    now,
	}, nil
}

// DataAccessReport analyses the data_access events of one patient over the last days days.
func (l *Ledger) DataAccessReport(ctx context.Context, patientID string, days int) (*AccessReport, error) {
	now := l.now().UTC()

	report := &AccessReport{
		PatientID:          patientID,
		ReportPeriodDays:   days,
		AccessByUser:       map[string]int64{},
		AccessByDataType:   map[string]int64{},
		DailyAccessPattern: map[string]int64{},
		RecentAccessEvents: []*chain.Block{},
		ReportGenerated:    now,
	}
	if patientID == "" {
		return report, nil
	}

	blocks, err := l.store.Find(ctx, chain.Filter{
		PatientID:  patientID,
		ActionType: chain.ActionDataAccess,
		Since:      now.AddDate(0, 0, -days),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get access events: %w", err)
	}

	for _, b := range blocks {
		report.AccessByUser[stringField(b, "accessed_by")]++
		report.AccessByDataType[stringField(b, "data_type")]++
		report.DailyAccessPattern[b.Timestamp.UTC().Format(dayLayout)]++
	}

	report.TotalAccessEvents = len(blocks)
	if len(blocks) > reportRecentEvents {
		blocks = blocks[:reportRecentEvents]
	}
	report.RecentAccessEvents = blocks

	return report, nil
}

func stringField(b *chain.Block, key string) string {
	if s, ok := b.Data[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}
