package api

import (
	"encoding/json"
	"fmt"
)

// switchAddresses accepts either a JSON string or a list of strings;
// subscribers send both forms.
type switchAddresses []string

func (s *switchAddresses) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	return fmt.Errorf("switch_addresses must be a string or a list of strings")
}

// overrideRequest is the submission body. All fields are passed to the
// validator untrusted; binding performs no checks so every violation is
// reported together.
type overrideRequest struct {
	Site            string          `json:"site"`
	SwitchAddresses switchAddresses `json:"switch_addresses"`
	Status          string          `json:"status"`
	StartDatetime   string          `json:"start_datetime"`
	EndDatetime     string          `json:"end_datetime"`
	GroupID         string          `json:"group_id"`
}

// headEndCallback is the body of a head-end operational callback. The
// timestamp is optional; absent means now.
type headEndCallback struct {
	EventDatetime string `json:"event_datetime"`
}
