package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ChunkPublished("tally_creation")
	m.PublishFailed("tally_creation")
	m.LockContended("tally_creation")
	m.ChunkOutcome("tally_creation", "completed", time.Second)
	m.TaskHandled("chunk:tally_creation", nil)
	m.CycleCompleted(3)
	if m.Registry() != nil {
		t.Fatalf("nil metrics must not expose a registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New("tallyx")
	m.ChunkPublished("tally_creation")
	m.ChunkPublished("tally_creation")
	m.LockContended("partial_decryption")
	m.TaskHandled("chunk:tally_creation", errors.New("boom"))
	m.ChunkOutcome("tally_creation", "completed", 200*time.Millisecond)
	m.CycleCompleted(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, line := range []string{
		`tallyx_chunks_published_total{job_type="tally_creation"} 2`,
		`tallyx_lock_contention_total{job_type="partial_decryption"} 1`,
		`tallyx_tasks_handled_total{result="nack",task_type="chunk:tally_creation"} 1`,
		`tallyx_chunk_outcomes_total{job_type="tally_creation",outcome="completed"} 1`,
		`tallyx_dispatch_cycles_total 1`,
		`tallyx_active_instances 2`,
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("metrics output missing %q", line)
		}
	}
}
