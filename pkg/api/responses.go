package api

// acceptedResponse acknowledges an accepted override or cancellation.
type acceptedResponse struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// rejectionResponse is the 400 body. CorrelationID is null when the
// request was rejected before an id was assigned.
type rejectionResponse struct {
	CorrelationID *string  `json:"correlation_id"`
	Message       string   `json:"message"`
	ErrorDetails  []string `json:"errorDetails,omitempty"`
}

// statusResponse answers a status query.
type statusResponse struct {
	Message       string `json:"message"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// notFoundResponse is the 404 body for an unknown correlation id.
type notFoundResponse struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}
