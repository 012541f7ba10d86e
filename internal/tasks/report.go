package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/worker"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// ReportStore persists a generated report and returns its location.
type ReportStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ReportJobPayload is the payload of jobs on the report queue. Zero times
// default to the 24 hours before the job runs.
type ReportJobPayload struct {
	OrganizationID string    `json:"organization_id"`
	From           time.Time `json:"from,omitzero"`
	To             time.Time `json:"to,omitzero"`
}

// ReportResult is stored as the job result.
type ReportResult struct {
	Location  string    `json:"location"`
	Approvals int       `json:"approvals"`
	Jobs      int       `json:"jobs"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// ActivityReport renders approval and job activity for one organization as
// CSV and uploads it.
type ActivityReport struct {
	store   repository.Store
	reports ReportStore
	log     *logger.Logger
	now     func() time.Time
}

// NewActivityReport creates the report-generation handler.
func NewActivityReport(store repository.Store, reports ReportStore, log *logger.Logger) *ActivityReport {
	return &ActivityReport{store: store, reports: reports, log: log, now: time.Now}
}

var reportHeader = []string{
	"record", "id", "kind", "reference", "status", "actor", "attempts", "created_at", "completed_at", "detail",
}

func (r *ActivityReport) Handle(ctx context.Context, job *repository.JobEntry) (json.RawMessage, error) {
	var p ReportJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, errors.InvalidInput("payload", fmt.Sprintf("malformed report payload: %v", err))
	}
	if p.OrganizationID == "" {
		return nil, errors.InvalidInput("organization_id", "organization is required")
	}
	if p.To.IsZero() {
		p.To = r.now().UTC()
	}
	if p.From.IsZero() {
		p.From = p.To.Add(-24 * time.Hour)
	}
	if !p.From.Before(p.To) {
		return nil, errors.InvalidInput("from", "from must be before to")
	}

	repos := r.store.Repos()
	requests, err := listAll(ctx, func(ctx context.Context, offset int) ([]*repository.ApprovalRequest, error) {
		return repos.Requests.List(ctx, repository.RequestFilter{
			OrganizationID:  p.OrganizationID,
			SubmittedAfter:  &p.From,
			SubmittedBefore: &p.To,
			Limit:           reportPageSize,
			Offset:          offset,
		})
	})
	if err != nil {
		return nil, err
	}
	jobs, err := listAll(ctx, func(ctx context.Context, offset int) ([]*repository.JobEntry, error) {
		return repos.Jobs.List(ctx, repository.JobFilter{
			OrganizationID: p.OrganizationID,
			CreatedAfter:   &p.From,
			CreatedBefore:  &p.To,
			Limit:          reportPageSize,
			Offset:         offset,
		})
	})
	if err != nil {
		return nil, err
	}

	if worker.CancelRequested(ctx) {
		return nil, context.Cause(ctx)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(reportHeader)
	for _, req := range requests {
		_ = w.Write([]string{
			"approval_request",
			req.ID,
			req.EntityType,
			req.EntityID,
			req.Status,
			req.RequestedBy,
			"",
			formatTime(&req.SubmittedAt),
			formatTime(req.CompletedAt),
			deref(req.CompletedBy),
		})
	}
	for _, j := range jobs {
		_ = w.Write([]string{
			"job",
			j.ID,
			j.Queue,
			deref(j.TriggerRef),
			j.Status,
			"",
			strconv.Itoa(j.Attempts),
			formatTime(&j.CreatedAt),
			formatTime(j.CompletedAt),
			deref(j.Error),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.OperationFailed("render_report", err)
	}

	key := fmt.Sprintf("%s/%s/activity-%s.csv", p.OrganizationID, p.To.Format("2006-01-02"), job.ID)
	location, err := r.reports.Put(ctx, key, buf.Bytes(), "text/csv")
	if err != nil {
		return nil, err
	}

	r.log.Info().
		Str("job_id", job.ID).
		Str("organization_id", p.OrganizationID).
		Int("approvals", len(requests)).
		Int("jobs", len(jobs)).
		Str("location", location).
		Msg("Activity report generated")

	return json.Marshal(ReportResult{
		Location:  location,
		Approvals: len(requests),
		Jobs:      len(jobs),
		From:      p.From,
		To:        p.To,
	})
}

// reportPageSize is the largest page the list queries return.
const reportPageSize = 500

// listAll pages through a list query until a short page comes back.
func listAll[T any](ctx context.Context, list func(ctx context.Context, offset int) ([]T, error)) ([]T, error) {
	var out []T
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := list(ctx, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < reportPageSize {
			return out, nil
		}
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
