// Package jobs runs the background work of a master node: claiming due
// queue rows, driving pyramid rebuilds tile by tile, and handing builds
// of remote datasources to the node that owns them.
package jobs

import (
	"encoding/json"
	"errors"
)

// Job kinds carried in the detail document.
const (
	KindPyramid     = "pyramid"
	KindCalculation = "calculation"
)

// ErrFatal marks a failure no retry can heal. The runner moves the job
// straight to failed instead of requeueing it.
var ErrFatal = errors.New("job failed fatally")

// ErrCancelled reports a build stopped because its job was cancelled.
var ErrCancelled = errors.New("job cancelled")

// Detail is the job_detail document of a queue row.
type Detail struct {
	Kind         string `json:"kind"`
	Name         string `json:"name,omitempty"`
	DatasourceID string `json:"datasource_id,omitempty"`

	// stamped by the queue when a master claims the row.
	ClaimedBy string `json:"claimed_by,omitempty"`
}

func ParseDetail(raw []byte) (Detail, error) {
	var d Detail
	if err := json.Unmarshal(raw, &d); err != nil {
		return Detail{}, err
	}
	return d, nil
}

// Document renders the detail as a queue row document.
func (d Detail) Document() ([]byte, error) {
	return json.Marshal(d)
}
