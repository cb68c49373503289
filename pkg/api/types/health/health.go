package health

// Statuses of a node.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Report is the health answer of one node.
type Report struct {
	Status       string `json:"status"`
	WorkersReady int    `json:"workers_ready"`
}
