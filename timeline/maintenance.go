package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// MaintenanceResult summarizes a RegenerateAll run.
type MaintenanceResult struct {
	Clients int `json:"clients"`
	Failed  int `json:"failed"`
	Created int `json:"created"`
}

// Maintainer holds the jobs the scheduler runs periodically.
type Maintainer struct {
	Clients    ClientLister
	Generator  *Generator
	Reconciler *Reconciler
	// AutoRemove makes CheckDuplicates remove what it finds instead of only
	// reporting it.
	AutoRemove bool
	Logger     *slog.Logger
}

func (m *Maintainer) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// RegenerateAll regenerates every client from its stored assignments. A
// failing client is logged and counted; the run continues with the next one.
// The returned error joins the per-client failures.
func (m *Maintainer) RegenerateAll(ctx context.Context) (*MaintenanceResult, error) {
	clients, err := m.Clients.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	result := &MaintenanceResult{}
	var errs []error
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Clients++
		res, err := m.Generator.Regenerate(ctx, c)
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("client %s: %w", c.ID, err))
			m.logger().Error("regeneration failed",
				"component", "maintenance",
				"client", c.ID,
				"error", err,
			)
			continue
		}
		result.Created += res.Created
	}

	m.logger().Info("regeneration complete",
		"component", "maintenance",
		"clients", result.Clients,
		"failed", result.Failed,
		"created", result.Created,
	)
	return result, errors.Join(errs...)
}

// CheckDuplicates scans for duplicates and, when AutoRemove is set, removes
// them.
func (m *Maintainer) CheckDuplicates(ctx context.Context) error {
	report, err := m.Reconciler.FindDuplicates(ctx)
	if err != nil {
		return err
	}
	if report.TotalDuplicates == 0 && report.PendingRepairs == 0 {
		m.logger().Debug("no duplicates found", "component", "maintenance", "scanned", report.Scanned)
		return nil
	}

	m.logger().Warn("duplicates found",
		"component", "maintenance",
		"groups", len(report.Groups),
		"duplicates", report.TotalDuplicates,
		"pending_repairs", report.PendingRepairs,
	)
	if !m.AutoRemove {
		return nil
	}
	_, err = m.Reconciler.RemoveDuplicates(ctx)
	return err
}
