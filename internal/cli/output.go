package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// printer renders results as JSON or aligned text.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(cmd *cobra.Command, opts *RootOptions) *printer {
	return &printer{format: opts.Format, w: cmd.OutOrStdout()}
}

// object prints a flat map. Text output sorts keys.
func (p *printer) object(v map[string]any) error {
	if p.format == "json" {
		return p.json(v)
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		val := v[k]
		if raw, ok := val.(json.RawMessage); ok {
			val = string(raw)
		}
		fmt.Fprintf(tw, "%s:\t%v\n", k, val)
	}
	return tw.Flush()
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) jobs(jobs []*repository.JobEntry) error {
	if p.format == "json" {
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobFields(j))
		}
		return p.json(out)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.Queue, j.Status, j.Priority, j.Attempts, j.MaxRetries+1, j.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func jobFields(j *repository.JobEntry) map[string]any {
	out := map[string]any{
		"id":          j.ID,
		"queue":       j.Queue,
		"type":        j.Type,
		"status":      j.Status,
		"priority":    j.Priority,
		"attempts":    j.Attempts,
		"max_retries": j.MaxRetries,
		"payload":     j.Payload,
		"created_at":  j.CreatedAt.Format(time.RFC3339),
	}
	if j.OrganizationID != nil {
		out["organization_id"] = *j.OrganizationID
	}
	if j.Error != nil {
		out["error"] = *j.Error
	}
	if j.Result != nil {
		out["result"] = j.Result
	}
	if j.RetryOf != nil {
		out["retry_of"] = *j.RetryOf
	}
	if j.CancelRequested {
		out["cancel_requested"] = true
	}
	return out
}
