package engine

import (
	"context"
	"strconv"

	"karmaline/internal/domain"
	"karmaline/internal/events"
	"karmaline/internal/repo"
)

// RegisterTime opens a pending record of hours the employee worked for the
// company. The company (or the employee, for disputes) moves it on.
func (e *Engine) RegisterTime(ctx context.Context, employee, company string, startTime, endTime int64, description string, skillIDs []int64) (domain.TimeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rec domain.TimeRecord
	if err := e.Access.RequireRunning(ctx); err != nil {
		return rec, err
	}
	if company == "" {
		return rec, validationf("company account required")
	}
	if startTime == 0 {
		return rec, validationf("start time required")
	}
	if endTime <= startTime {
		return rec, validationf("end time must be after start time")
	}
	for _, id := range skillIDs {
		if _, err := e.Repo.GetSkill(ctx, id); err != nil {
			if err == repo.ErrNotFound {
				return rec, NotFoundError{Kind: "skill", ID: strconv.FormatInt(id, 10)}
			}
			return rec, err
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()

	rec = domain.TimeRecord{
		Employee:    employee,
		Company:     company,
		StartTime:   startTime,
		EndTime:     endTime,
		Description: description,
		SkillIDs:    skillIDs,
		Status:      domain.TimePending,
		CreatedAt:   e.now(),
	}
	rec.ID, err = e.Repo.InsertTimeRecord(ctx, tx, rec)
	if err != nil {
		return rec, err
	}
	if err := e.Events.Append(ctx, tx, "time.registered", "time_record", strconv.FormatInt(rec.ID, 10), employee, events.EventPayload{
		"company": company, "start": startTime, "end": endTime,
	}); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// ValidateTimeRecord confirms a pending record. Company only.
func (e *Engine) ValidateTimeRecord(ctx context.Context, caller string, recordID int64) error {
	return e.resolveTimeRecord(ctx, caller, recordID, domain.TimeValidated)
}

// DisputeTimeRecord contests a pending record. Company or employee.
func (e *Engine) DisputeTimeRecord(ctx context.Context, caller string, recordID int64) error {
	return e.resolveTimeRecord(ctx, caller, recordID, domain.TimeDisputed)
}

func (e *Engine) resolveTimeRecord(ctx context.Context, caller string, recordID int64, to domain.TimeRecordStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetTimeRecordTx(ctx, tx, recordID)
	if err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "time record", ID: strconv.FormatInt(recordID, 10)}
		}
		return err
	}
	switch to {
	case domain.TimeValidated:
		if caller != rec.Company {
			return forbiddenf("only company %s may validate record %d", rec.Company, recordID)
		}
	case domain.TimeDisputed:
		if caller != rec.Company && caller != rec.Employee {
			return forbiddenf("only the company or the employee may dispute record %d", recordID)
		}
	}
	if rec.Status != domain.TimePending {
		return statef("record %d is %s, not pending", recordID, rec.Status)
	}

	if err := e.Repo.SetTimeRecordStatus(ctx, tx, recordID, to); err != nil {
		return err
	}
	evt := "time.validated"
	if to == domain.TimeDisputed {
		evt = "time.disputed"
	}
	if err := e.Events.Append(ctx, tx, evt, "time_record", strconv.FormatInt(recordID, 10), caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}
