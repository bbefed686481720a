package validator

// Validation messages. Subscribers match on these strings, so they are
// part of the external contract and must not be reworded.
const (
	MsgEmptyRequest     = "Request is empty"
	MsgSiteRequired     = "Site details required"
	MsgMeterRequired    = "Switch addresses (Meter Details) required"
	MsgMultipleMeters   = "Multiple switch addresses supplied - expected one"
	MsgStatusRequired   = "DLC status required"
	MsgStatusInvalid    = "DLC status should be either ON or OFF"
	MsgBadStartFormat   = "Invalid start datetime format supplied - should be YYYY-mm-ddTHH:MM:SS+zz:zz"
	MsgBadEndFormat     = "Invalid end datetime format supplied - should be YYYY-mm-ddTHH:MM:SS+zz:zz"
	MsgDerivedEndInPast = "No end date supplied: request's derived end date would be in the past"
	MsgEndEqualsStart   = "Request's end date is the same as the start date"
	MsgEndBeforeStart   = "Request's end date is before the start date"
	MsgEndInPast        = "Request's end date is in the past"
	MsgEndWithoutStart  = "Cannot have an end_datetime without a start_datetime"
	MsgDurationTooLong  = "Request's duration exceeds the maximum allowed"

	MsgDuplicate = "Request is the duplicate of an existing request"
	MsgOverlap   = "Request rejected as it overlaps with at least one existing request; " +
		"please cancel the existing request(s)"

	MsgNoActiveSubscription = "No active subscription found for the supplied site and subscription id"
)
