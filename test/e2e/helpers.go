//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// workbook is an in-process Graph stand-in that can be taken offline.
type workbook struct {
	mu   sync.Mutex
	down bool
	rows map[string][]json.RawMessage
	srv  *httptest.Server
}

func startWorkbook(t *testing.T) *workbook {
	t.Helper()
	wb := &workbook{rows: make(map[string][]json.RawMessage)}
	wb.srv = httptest.NewServer(wb)
	t.Cleanup(wb.srv.Close)
	return wb
}

func (wb *workbook) setDown(down bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.down = down
}

func (wb *workbook) baseURL() string {
	return wb.srv.URL + "/workbook"
}

// rowCount returns the number of rows added to table.
func (wb *workbook) rowCount(table string) int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.rows[table])
}

func (wb *workbook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	// /workbook/tables/{table}/rows/add
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/workbook"), "/")
	if r.Method == http.MethodPost && len(parts) == 5 && parts[1] == "tables" && parts[3] == "rows" && parts[4] == "add" {
		var body struct {
			Values json.RawMessage `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Values) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"code":"InvalidArgument","message":"values required"}}`)
			return
		}
		wb.rows[parts[2]] = append(wb.rows[parts[2]], body.Values)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"index":%d}`, len(wb.rows[parts[2]])-1)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// bcmsyncServer manages a running bcmsync serve process.
type bcmsyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	env     []string
	logFile *os.File
}

// startBcmsync launches "bcmsync serve" on dataDir and waits for health.
func startBcmsync(t *testing.T, dataDir, graphURL string) *bcmsyncServer {
	t.Helper()
	requireBcmsync(t)

	port := freePort(t)
	s := &bcmsyncServer{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		apiKey:  "e2e-test-api-key",
	}
	s.env = append(os.Environ(),
		fmt.Sprintf("BCMSYNC_PORT=%d", port),
		"BCMSYNC_API_KEY="+s.apiKey,
		"BCMSYNC_CONFIG_PATH="+dataDir+"/nonexistent.yaml",
		"BCMSYNC_STORAGE_BACKEND=bolt",
		"BCMSYNC_STORAGE_PATH="+dataDir+"/queue.db",
		"BCMSYNC_DEADLETTER_PATH="+dataDir+"/bcmsync.db",
		"BCMSYNC_GRAPH_BASE_URL="+graphURL,
		"BCMSYNC_SYNC_INTERVAL=1h",
		"BCMSYNC_PROBE_INTERVAL=100ms",
		"BCMSYNC_LOG_LEVEL=debug",
	)

	lf, err := os.OpenFile(dataDir+"/bcmsync.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	s.logFile = lf

	s.cmd = exec.Command(bcmsyncBin, "serve")
	s.cmd.Env = s.env
	s.cmd.Stdout = lf
	s.cmd.Stderr = lf
	if err := s.cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start bcmsync: %v", err)
	}
	t.Cleanup(s.stop)

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("bcmsync not healthy: %v", err)
	}
	return s
}

func (s *bcmsyncServer) stop() {
	if s.cmd != nil && s.cmd.ProcessState == nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}

// kill terminates the process without a graceful shutdown.
func (s *bcmsyncServer) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGKILL)
		_ = s.cmd.Wait()
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
}

func (s *bcmsyncServer) baseURL() string {
	return "http://" + s.address
}

func (s *bcmsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.baseURL() + "/api/v1/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("bcmsync not healthy after %s", timeout)
}

func (s *bcmsyncServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, s.baseURL()+path, rdr)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (s *bcmsyncServer) enqueue(t *testing.T, table, values string) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/mutations",
		fmt.Sprintf(`{"kind":"create","target":%q,"payload":{"values":%s}}`, table, values))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("enqueue: status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.ID
}

func (s *bcmsyncServer) pending(t *testing.T) int {
	t.Helper()
	resp := s.do(t, http.MethodGet, "/api/v1/mutations/count", "")
	defer resp.Body.Close()
	var out struct {
		Pending int `json:"pending"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return out.Pending
}

func (s *bcmsyncServer) triggerSync(t *testing.T, reason string) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/sync", fmt.Sprintf(`{"reason":%q}`, reason))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sync: status %d", resp.StatusCode)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
