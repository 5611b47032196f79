/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model (typed IDs, decimal fees, snapshot pointers) from the
  external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Clients:     ClientDTO, ImportRequest (records are importer.ClientRecord)
  Timelines:   TimelineDTO, GenerateRequest, GenerateResponse
  Assignments: AssignmentDTO
  Activities:  factory.ActivityJSON is used directly
  Admin:       DuplicatesResponse, JobDTO

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: ActivityJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/importer"
	"github.com/warp/obligation-engine/scheduler"
	"github.com/warp/obligation-engine/timeline"
)

// =============================================================================
// CLIENTS
// =============================================================================

// ClientDTO represents a client in API responses.
type ClientDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BranchID string `json:"branch_id"`
	Email    string `json:"email,omitempty"`
}

// ImportRequest is the body of POST /api/clients/import.
type ImportRequest struct {
	Clients []importer.ClientRecord `json:"clients"`
}

func toClientDTO(c timeline.Client) ClientDTO {
	return ClientDTO{ID: string(c.ID), Name: c.Name, BranchID: c.BranchID, Email: c.Email}
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// AssignmentDTO links a client to an activity. An empty subactivity_id means
// every subactivity of the activity.
type AssignmentDTO struct {
	ActivityID    string `json:"activity_id"`
	SubactivityID string `json:"subactivity_id,omitempty"`
	Fee           string `json:"fee,omitempty"`
}

func (a AssignmentDTO) toAssignment() (timeline.Assignment, error) {
	fee := decimal.Zero
	if a.Fee != "" {
		var err error
		if fee, err = decimal.NewFromString(a.Fee); err != nil {
			return timeline.Assignment{}, &timeline.ValidationError{Field: "fee", Reason: "must be a decimal number"}
		}
	}
	return timeline.Assignment{
		ActivityID:    timeline.ActivityID(a.ActivityID),
		SubactivityID: timeline.SubactivityID(a.SubactivityID),
		Fee:           fee,
	}, nil
}

func toAssignmentDTO(a timeline.Assignment) AssignmentDTO {
	return AssignmentDTO{
		ActivityID:    string(a.ActivityID),
		SubactivityID: string(a.SubactivityID),
		Fee:           a.Fee.String(),
	}
}

// =============================================================================
// TIMELINES
// =============================================================================

// TimelineDTO represents one timeline instance.
type TimelineDTO struct {
	ID              string           `json:"id"`
	ClientID        string           `json:"client_id"`
	ActivityID      string           `json:"activity_id"`
	SubactivityID   string           `json:"subactivity_id,omitempty"`
	SubactivityName string           `json:"subactivity_name,omitempty"`
	BranchID        string           `json:"branch_id"`
	FinancialYear   string           `json:"financial_year"`
	Period          string           `json:"period"`
	DueDate         time.Time        `json:"due_date"`
	StartDate       *time.Time       `json:"start_date,omitempty"`
	EndDate         *time.Time       `json:"end_date,omitempty"`
	Status          string           `json:"status"`
	Type            string           `json:"type"`
	Fee             string           `json:"fee"`
	Fields          []timeline.Field `json:"fields,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

func toTimelineDTO(inst timeline.Instance) TimelineDTO {
	dto := TimelineDTO{
		ID:            inst.ID,
		ClientID:      string(inst.ClientID),
		ActivityID:    string(inst.ActivityID),
		SubactivityID: string(inst.SubactivityID),
		BranchID:      inst.BranchID,
		FinancialYear: inst.FinancialYear,
		Period:        inst.Period,
		DueDate:       inst.DueDate,
		Status:        string(inst.Status),
		Type:          string(inst.Type),
		Fee:           inst.Fee.String(),
		Fields:        inst.Fields,
		CreatedAt:     inst.CreatedAt,
	}
	if inst.Snapshot != nil {
		dto.SubactivityName = inst.Snapshot.Name
	}
	if !inst.StartDate.IsZero() {
		dto.StartDate = &inst.StartDate
	}
	if !inst.EndDate.IsZero() {
		dto.EndDate = &inst.EndDate
	}
	return dto
}

func toTimelineDTOs(instances []timeline.Instance) []TimelineDTO {
	dtos := make([]TimelineDTO, len(instances))
	for i, inst := range instances {
		dtos[i] = toTimelineDTO(inst)
	}
	return dtos
}

// GenerateRequest is the body of POST /api/clients/{id}/timelines/generate.
// Without assignments the client's stored assignments are regenerated.
type GenerateRequest struct {
	FinancialYear string          `json:"financial_year,omitempty"`
	Assignments   []AssignmentDTO `json:"assignments,omitempty"`
}

// GenerateResponse reports a generation run.
type GenerateResponse struct {
	Created   int           `json:"created"`
	Existing  int           `json:"existing"`
	Removed   int           `json:"removed"`
	Timelines []TimelineDTO `json:"timelines"`
}

// =============================================================================
// ADMIN
// =============================================================================

// DuplicatesResponse is returned by the duplicates endpoint. Report is set
// for dry runs, Removal otherwise.
type DuplicatesResponse struct {
	DryRun  bool                      `json:"dry_run"`
	Report  *timeline.DuplicateReport `json:"report,omitempty"`
	Removal *timeline.RemovalResult   `json:"removal,omitempty"`
}

// JobDTO represents a scheduler job.
type JobDTO struct {
	Name         string     `json:"name"`
	Interval     string     `json:"interval"`
	Running      bool       `json:"running"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	RunCount     int        `json:"run_count"`
	LastError    string     `json:"last_error,omitempty"`
}

func toJobDTO(s scheduler.JobState) JobDTO {
	dto := JobDTO{
		Name:      s.Name,
		Interval:  s.Interval.String(),
		Running:   s.Running,
		RunCount:  s.RunCount,
		LastError: s.LastError,
	}
	if !s.LastRun.IsZero() {
		dto.LastRun = &s.LastRun
		dto.LastDuration = s.LastDuration.String()
	}
	if !s.NextRun.IsZero() {
		dto.NextRun = &s.NextRun
	}
	return dto
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
