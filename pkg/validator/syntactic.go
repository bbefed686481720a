package validator

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// Syntactic runs the no-I/O validation pass over a submission.
type Syntactic struct {
	defaultDuration time.Duration
	validate        *validator.Validate
	now             func() time.Time
}

// NewSyntactic creates the syntactic validator. defaultDuration is
// applied when a request supplies a start but no end.
func NewSyntactic(defaultDuration time.Duration) *Syntactic {
	return &Syntactic{
		defaultDuration: defaultDuration,
		validate:        validator.New(),
		now:             time.Now,
	}
}

// Check validates a submission and returns the parsed result together
// with every violation found.
func (s *Syntactic) Check(sub Submission) *Checked {
	checked := &Checked{
		Site:    sub.Site,
		Status:  sub.Status,
		GroupID: sub.GroupID,
	}
	if len(sub.SwitchAddresses) > 0 {
		checked.Meter = sub.SwitchAddresses[0]
	}

	if sub.empty() {
		checked.Errors = append(checked.Errors, MsgEmptyRequest)
		return checked
	}

	now := s.now().UTC()

	if err := s.validate.Struct(sub); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				checked.Errors = append(checked.Errors, fieldMessage(fe))
			}
		} else {
			checked.Errors = append(checked.Errors, err.Error())
		}
	}

	if sub.StartDatetime != "" {
		start, err := time.Parse(DateFormat, sub.StartDatetime)
		if err != nil {
			checked.Errors = append(checked.Errors, MsgBadStartFormat)
		} else {
			start = start.UTC()
			checked.Start = &start
			if sub.EndDatetime == "" {
				// No end supplied; the derived end must still be strictly
				// in the future.
				if !start.Add(s.defaultDuration).After(now) {
					checked.Errors = append(checked.Errors, MsgDerivedEndInPast)
				}
			}
		}
	}

	if sub.EndDatetime != "" {
		if sub.StartDatetime == "" {
			checked.Errors = append(checked.Errors, MsgEndWithoutStart)
		} else {
			end, err := time.Parse(DateFormat, sub.EndDatetime)
			if err != nil {
				checked.Errors = append(checked.Errors, MsgBadEndFormat)
			} else {
				end = end.UTC()
				checked.End = &end
				if checked.Start != nil && end.Equal(*checked.Start) {
					checked.Errors = append(checked.Errors, MsgEndEqualsStart)
				} else if checked.Start != nil && end.Before(*checked.Start) {
					checked.Errors = append(checked.Errors, MsgEndBeforeStart)
				}
				// An end equal to the accept instant is already past.
				if !end.After(now) {
					checked.Errors = append(checked.Errors, MsgEndInPast)
				}
			}
		}
	}

	return checked
}

// ValidateWindow re-applies the syntactic rules to an already parsed
// (status, start, end) triple. Used at workflow entry, where the raw
// submission is long gone but the window may have expired in the queue.
func ValidateWindow(status string, start, end, now time.Time) []string {
	var errs []string
	if status != "ON" && status != "OFF" {
		errs = append(errs, MsgStatusInvalid)
	}
	switch {
	case end.Equal(start):
		errs = append(errs, MsgEndEqualsStart)
	case end.Before(start):
		errs = append(errs, MsgEndBeforeStart)
	}
	if !end.After(now) {
		errs = append(errs, MsgEndInPast)
	}
	return errs
}

// fieldMessage maps a struct-tag violation to its caller-visible
// message.
func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "Site":
		return MsgSiteRequired
	case "SwitchAddresses":
		if fe.Tag() == "max" {
			return MsgMultipleMeters
		}
		return MsgMeterRequired
	case "Status":
		if fe.Tag() == "oneof" {
			return MsgStatusInvalid
		}
		return MsgStatusRequired
	default:
		return fe.Error()
	}
}
