// Package validator performs the two validation passes over incoming
// override requests: a syntactic pass with no I/O, and a temporal pass
// that classifies the request against existing windows on the same
// meter via the tracker store.
package validator

import (
	"time"
)

// DateFormat is the accepted wire format for request datetimes. The
// UTC offset is mandatory.
const DateFormat = "2006-01-02T15:04:05Z07:00"

// Submission is an override request as received from a subscriber,
// before any field has been trusted.
type Submission struct {
	Site            string   `validate:"required"`
	SwitchAddresses []string `validate:"required,max=1"`
	Status          string   `validate:"required,oneof=ON OFF"`
	StartDatetime   string
	EndDatetime     string
	GroupID         string
}

func (s Submission) empty() bool {
	return s.Site == "" && len(s.SwitchAddresses) == 0 && s.Status == "" &&
		s.StartDatetime == "" && s.EndDatetime == "" && s.GroupID == ""
}

// Checked is the outcome of the syntactic pass. Start and End are only
// set when the corresponding datetime parsed; Errors collects every
// violation found, not just the first.
type Checked struct {
	Site    string
	Meter   string
	Status  string
	GroupID string
	Start   *time.Time
	End     *time.Time
	Errors  []string
}

// Valid reports whether the syntactic pass found no violations.
func (c *Checked) Valid() bool {
	return len(c.Errors) == 0
}
