package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"melutils/internal/maintenance"
	"melutils/internal/scheduler"
	rtsup "melutils/internal/runtime/supervisor"
	logx "melutils/pkg/logx"
)

func sources(breaker string) Sources {
	return Sources{
		Scheduler: func() scheduler.Snapshot {
			return scheduler.Snapshot{Armed: 2, Fired: 7, Next: []scheduler.Pending{{ID: 3, FireAt: time.Unix(100, 0).UTC()}}}
		},
		Maintenance: func() maintenance.Snapshot { return maintenance.Snapshot{Enabled: true} },
		Supervisors: func() map[string]rtsup.Snapshot { return map[string]rtsup.Snapshot{"app": {Active: 3}} },
		Health:      func() map[string]string { return map[string]string{"discord.rest": breaker} },
	}
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{Pprof: true}, sources("closed"), logx.Nop())

	rec := get(t, h, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}

	rec = get(t, h, "/scheduler", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scheduler = %d", rec.Code)
	}
	var snap scheduler.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Armed != 2 || snap.Fired != 7 || len(snap.Next) != 1 || snap.Next[0].ID != 3 {
		t.Fatalf("snapshot: %+v", snap)
	}

	if rec := get(t, h, "/supervisors", nil); rec.Code != http.StatusOK {
		t.Fatalf("supervisors = %d", rec.Code)
	}
	if rec := get(t, h, "/maintenance", nil); rec.Code != http.StatusOK {
		t.Fatalf("maintenance = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/cmdline", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof cmdline = %d", rec.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{}, sources("open"), logx.Nop())
	rec := get(t, h, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d", rec.Code)
	}
	var body struct{ Status string }
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "degraded" {
		t.Fatalf("status = %q", body.Status)
	}
}

func TestPprofOff(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{}, Sources{}, logx.Nop())
	if rec := get(t, h, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof = %d", rec.Code)
	}
	if rec := get(t, h, "/scheduler", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("scheduler without source = %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{Token: "s3"}, sources("closed"), logx.Nop())
	tests := []struct {
		name   string
		target string
		header map[string]string
		code   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong bearer", "/healthz", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3"}, http.StatusOK},
		{"query", "/healthz?token=s3", nil, http.StatusOK},
		{"wrong query", "/healthz?token=x", map[string]string{"Authorization": "Bearer s3"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := get(t, h, tt.target, tt.header); rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		cfg  Config
		ok   bool
	}{
		{"127.0.0.1:6060", Config{}, true},
		{"localhost:6060", Config{}, true},
		{"[::1]:6060", Config{}, true},
		{":6060", Config{}, false},
		{"0.0.0.0:6060", Config{}, false},
		{"0.0.0.0:6060", Config{Token: "t"}, true},
		{"0.0.0.0:6060", Config{AllowInsecure: true}, true},
	}
	for _, tt := range tests {
		if err := checkBind(tt.addr, tt.cfg); (err == nil) != tt.ok {
			t.Errorf("checkBind(%q, %+v) = %v", tt.addr, tt.cfg, err)
		}
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, sources("closed"), logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server should be stopped")
	}
}
