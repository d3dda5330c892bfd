package types

import (
	"fmt"
	"time"
)

// RawFields holds the free-text values the extractor pulled out of one
// recognized record. A nil pointer means the label was absent in the source,
// which is distinct from an empty string.
type RawFields struct {
	Name                       *string  `json:"name"`
	Date                       *string  `json:"date"`
	StartTime                  *string  `json:"start_time"`
	EndTime                    *string  `json:"end_time"`
	FacilityName               *string  `json:"facility_name"`
	DisabilitySupportHours     *float64 `json:"disability_support_hours"`
	SevereComprehensiveSupport *float64 `json:"severe_comprehensive_support"`
}

// ClockTime is a time of day in minutes since midnight. The end of a service
// window may be Midnight24 (24:00), which is distinct from 00:00 and means the
// window runs to the end of the service date.
type ClockTime int

// Midnight24 represents 24:00, the exclusive upper bound of a day.
const Midnight24 ClockTime = 24 * 60

func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Valid reports whether t is within a single day, 24:00 included.
func (t ClockTime) Valid() bool {
	return t >= 0 && t <= Midnight24
}

// AttendanceRecord is one validated attendance entry, produced only by the
// normalizer. Start and End are both always present; End may be Midnight24.
type AttendanceRecord struct {
	Name                       string    `json:"name"`
	ServiceDate                time.Time `json:"service_date"`
	Start                      ClockTime `json:"start"`
	End                        ClockTime `json:"end"`
	Office                     string    `json:"office"`
	DisabilitySupportHours     *float64  `json:"disability_support_hours,omitempty"`
	SevereComprehensiveSupport *float64  `json:"severe_comprehensive_support,omitempty"`
}

// Summary renders a short one-line description for log context.
func (r AttendanceRecord) Summary() string {
	return fmt.Sprintf("%s %s %s-%s %s",
		r.Name, r.ServiceDate.Format("2006-01-02"), r.Start, r.End, r.Office)
}

// OutcomeStatus classifies the result of submitting one record.
type OutcomeStatus int

const (
	// Succeeded means the target application accepted the record.
	Succeeded OutcomeStatus = iota
	// RejectedByValidation means the target application refused the record
	// (conflicting time window, unknown beneficiary). Fatal to the record,
	// never to the run.
	RejectedByValidation
	// TransientFailure means a navigation or network fault interrupted the
	// submission; the record was skipped after a re-navigation attempt.
	TransientFailure
)

func (s OutcomeStatus) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case RejectedByValidation:
		return "rejected_by_validation"
	case TransientFailure:
		return "transient_failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Outcome is the per-record submission result.
type Outcome struct {
	Record AttendanceRecord `json:"record"`
	Status OutcomeStatus    `json:"status"`
	Reason string           `json:"reason,omitempty"`
}
