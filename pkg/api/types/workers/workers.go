package workers

// AddRequest asks for more worker processes.
type AddRequest struct {
	Count int `json:"count"`
}

// LimitRequest moves the concurrent tile request ceiling by N.
type LimitRequest struct {
	N int `json:"n"`
}

// Ack answers a maintenance action with a one-line outcome.
type Ack struct {
	Message string `json:"message"`
}

// Limit reports the admission ceiling after a move.
type Limit struct {
	MaxConcurrentTileRequests int `json:"max_concurrent_tile_requests"`
}
