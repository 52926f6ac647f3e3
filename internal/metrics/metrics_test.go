package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"

	"github.com/hyperengineering/bcmsync/internal/queue"
	"github.com/hyperengineering/bcmsync/internal/types"
)

// value returns the current value of the named series with matching labels.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			switch {
			case metric.Counter != nil:
				return metric.Counter.GetValue()
			case metric.Gauge != nil:
				return metric.Gauge.GetValue()
			case metric.Histogram != nil:
				return float64(metric.Histogram.GetSampleCount())
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetrics_QueueCounters(t *testing.T) {
	m := New()

	m.MutationEnqueued(types.KindCreate)
	m.MutationEnqueued(types.KindCreate)
	m.MutationEnqueued(types.KindDelete)
	m.MutationApplied(types.KindCreate)
	m.MutationFailed(types.KindDelete)
	m.MutationDeadLettered(types.KindDelete)
	m.PendingChanged(1)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"bcmsync_mutations_enqueued_total", map[string]string{"kind": "create"}, 2},
		{"bcmsync_mutations_enqueued_total", map[string]string{"kind": "delete"}, 1},
		{"bcmsync_mutations_applied_total", map[string]string{"kind": "create"}, 1},
		{"bcmsync_mutations_failed_total", map[string]string{"kind": "delete"}, 1},
		{"bcmsync_mutations_dead_lettered_total", map[string]string{"kind": "delete"}, 1},
		{"bcmsync_queue_pending", nil, 1},
	}
	for _, tt := range tests {
		if got := value(t, m, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestMetrics_DrainOutcomes(t *testing.T) {
	m := New()

	m.DrainCompleted(queue.DrainResult{}, time.Millisecond)
	m.DrainCompleted(queue.DrainResult{Attempted: 2, Applied: 2}, 20*time.Millisecond)
	m.DrainCompleted(queue.DrainResult{Attempted: 3, Applied: 1, Requeued: 2}, 40*time.Millisecond)

	for result, want := range map[string]float64{"empty": 1, "clean": 1, "partial": 1} {
		if got := value(t, m, "bcmsync_drains_total", map[string]string{"result": result}); got != want {
			t.Errorf("drains_total{result=%s} = %v, want %v", result, got, want)
		}
	}
	// Empty drains are not timed
	if got := value(t, m, "bcmsync_drain_duration_seconds", nil); got != 2 {
		t.Errorf("drain_duration_seconds count = %v, want 2", got)
	}
}

func TestMetrics_SetOnline(t *testing.T) {
	m := New()
	m.SetOnline(true)
	if got := value(t, m, "bcmsync_dataservice_online", nil); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}
	m.SetOnline(false)
	if got := value(t, m, "bcmsync_dataservice_online", nil); got != 0 {
		t.Errorf("online = %v, want 0", got)
	}
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/items/"+id, nil))
	}

	labels := map[string]string{"method": "GET", "route": "/api/v1/items/{id}", "status": "418"}
	if got := value(t, m, "bcmsync_http_requests_total", labels); got != 2 {
		t.Errorf("http_requests_total = %v, want 2", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.MutationEnqueued(types.KindUpdate)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{
		`bcmsync_mutations_enqueued_total{kind="update"} 1`,
		"bcmsync_queue_pending",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
