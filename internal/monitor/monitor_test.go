package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/db"
	"github.com/averdin/refinery/internal/manager"
	"github.com/averdin/refinery/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func testMonitor(t *testing.T, gdb *gorm.DB) *Monitor {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	statuses := func() []manager.ServiceStatus {
		return []manager.ServiceStatus{{Name: "hookserver", Pid: 4242}}
	}
	return New(cfg, gdb, statuses)
}

func get(t *testing.T, m *Monitor, path string) map[string]json.RawMessage {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	m.Router().ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", path, recorder.Code, recorder.Body)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return body
}

func TestGetStatus(t *testing.T) {
	m := testMonitor(t, testDB(t))
	body := get(t, m, "/api/status")

	var services []manager.ServiceStatus
	if err := json.Unmarshal(body["services"], &services); err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 || services[0].Name != "hookserver" || services[0].Pid != 4242 {
		t.Errorf("services = %+v", services)
	}
}

func TestGetPending(t *testing.T) {
	gdb := testDB(t)
	repo := models.Repository{Name: "test", Path: "/srv/git/test.git"}
	if err := gdb.Create(&repo).Error; err != nil {
		t.Fatal(err)
	}
	row := models.PendingRefUpdate{
		RepositoryID: repo.ID,
		RefName:      "refs/heads/feature",
		OldSHA1:      "0000000000000000000000000000000000000000",
		NewSHA1:      "0123456789012345678901234567890123456789",
		State:        models.PendingStatePreliminary,
		StartedAt:    time.Now(),
	}
	if err := gdb.Create(&row).Error; err != nil {
		t.Fatal(err)
	}
	m := testMonitor(t, gdb)

	body := get(t, m, "/api/pending")
	var pending []pendingEntry
	if err := json.Unmarshal(body["pending"], &pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].Repository != "test" || pending[0].RefName != "refs/heads/feature" {
		t.Errorf("entry = %+v", pending[0])
	}
}

func TestGetSpool(t *testing.T) {
	gdb := testDB(t)
	m := testMonitor(t, gdb)
	outbox := m.cfg.OutboxDir()
	if err := os.MkdirAll(outbox, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outbox, "a_b_1.txt"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Pending and foreign files are not part of the deliverable spool.
	if err := os.WriteFile(filepath.Join(outbox, "c_d_2.txt.pending"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	body := get(t, m, "/api/spool")
	var spool []spoolEntry
	if err := json.Unmarshal(body["spool"], &spool); err != nil {
		t.Fatal(err)
	}
	if len(spool) != 1 || spool[0].Name != "a_b_1.txt" {
		t.Errorf("spool = %+v", spool)
	}
}
