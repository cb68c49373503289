package pyramids

// Request is the body of a pyramid build request.
//
// Generation parameters beyond the schedule (zoom, resampling and
// friends) are tolerated in the body and ride along unread; the build
// plans from the stored descriptor settings.
type Request struct {
	DatasourceID string `json:"datasource_id"`

	// RFC3339. Empty means build as soon as possible.
	ScheduledFor string `json:"scheduled_for,omitempty"`
}

// Ack answers a pyramid build request.
type Ack struct {
	PyramidID      string `json:"pyramid_id"`
	AlreadyRunning bool   `json:"already_running"`
}

func (a Ack) Equal(o Ack) bool {
	return a == o
}
