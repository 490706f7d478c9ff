package prescription

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id is absent from the supplied collection.
	ErrNotFound = errors.New("prescription not found")
	// ErrRefillExhausted is returned by Refill when no refills remain.
	ErrRefillExhausted = errors.New("no refills remaining")
	// ErrInvalidSchedule rejects an order whose start date or duration is unusable.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidRefills rejects a negative refill count.
	ErrInvalidRefills = errors.New("invalid refill count")
	// ErrAlreadyDiscontinued is returned by Discontinue on an inactive prescription.
	ErrAlreadyDiscontinued = errors.New("prescription already discontinued")
	// ErrAlreadyActive is returned by Reactivate on an active prescription.
	ErrAlreadyActive = errors.New("prescription already active")
	// ErrUnknownCategory is returned for a category id that is not registered.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrConflict is returned by repositories when a prescription changed
	// since it was loaded.
	ErrConflict = errors.New("prescription modified concurrently")
)

// ScheduleError carries the reason an order's schedule was rejected.
type ScheduleError struct {
	Reason string
}

func scheduleError(reason string) error { return &ScheduleError{Reason: reason} }

func (e *ScheduleError) Error() string { return fmt.Sprintf("invalid schedule: %s", e.Reason) }

// Is makes ScheduleError match ErrInvalidSchedule.
func (e *ScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

// CategoryError names the unregistered category id.
type CategoryError struct {
	ID string
}

func (e *CategoryError) Error() string { return fmt.Sprintf("unknown category %q", e.ID) }

func (e *CategoryError) Is(target error) bool { return target == ErrUnknownCategory }

// IsTerminal reports whether err is a business-rule outcome that retrying
// cannot change.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRefillExhausted) ||
		errors.Is(err, ErrInvalidSchedule) ||
		errors.Is(err, ErrInvalidRefills) ||
		errors.Is(err, ErrAlreadyDiscontinued) ||
		errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrUnknownCategory)
}
