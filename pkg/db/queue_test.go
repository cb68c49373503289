package db_test

import (
	"encoding/json"
	"testing"

	"github.com/geoforge/tilerd/pkg/db"
)

func TestJobStatus_String(t *testing.T) {
	for status, expected := range map[db.JobStatus]string{
		db.Pending:   "pending",
		db.Running:   "running",
		db.Succeeded: "succeeded",
		db.Failed:    "failed",
		db.Cancelled: "cancelled",
	} {
		if actual := status.String(); actual != expected {
			t.Errorf("JobStatus(%d).String() = %s, expected %s", int(status), actual, expected)
		}
	}
}

func TestJobStatus_values_are_frozen(t *testing.T) {
	// persisted representation; renumbering breaks existing rows.
	for status, expected := range map[db.JobStatus]int{
		db.Pending:   0,
		db.Running:   1,
		db.Succeeded: 2,
		db.Failed:    3,
		db.Cancelled: 4,
	} {
		if int(status) != expected {
			t.Errorf("%s = %d, expected %d", status, int(status), expected)
		}
	}
}

func TestAsJobStatus(t *testing.T) {
	for _, name := range []string{"pending", "running", "succeeded", "failed", "cancelled"} {
		status, err := db.AsJobStatus(name)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if status.String() != name {
			t.Errorf("AsJobStatus(%s) = %s", name, status)
		}
	}

	if _, err := db.AsJobStatus("queued"); err == nil {
		t.Error("'queued' should not parse")
	}
	if _, err := db.AsJobStatus(""); err == nil {
		t.Error("empty string should not parse")
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	for status, expected := range map[db.JobStatus]bool{
		db.Pending:   false,
		db.Running:   false,
		db.Succeeded: true,
		db.Failed:    true,
		db.Cancelled: true,
	} {
		if actual := status.Terminal(); actual != expected {
			t.Errorf("%s.Terminal() = %v, expected %v", status, actual, expected)
		}
	}
}

func TestJobStatus_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Status db.JobStatus `json:"status"`
	}{Status: db.Running})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"status":"running"}` {
		t.Errorf("unexpected json: %s", b)
	}

	if _, err := json.Marshal(db.JobStatus(42)); err == nil {
		t.Error("unknown status should not marshal")
	}
}
