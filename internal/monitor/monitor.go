// Package monitor exposes a read-only HTTP status API from the manager
// process: service health, the pending ref update queue, and the mail
// spool. It is meant for dashboards and probes, not for control; control
// goes through the manager's unix socket.
package monitor

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/averdin/refinery/internal/config"
	"github.com/averdin/refinery/internal/manager"
	"github.com/averdin/refinery/internal/models"
)

// Monitor serves the status API.
type Monitor struct {
	cfg      *config.Config
	db       *gorm.DB
	statuses func() []manager.ServiceStatus
}

// New creates a monitor. statuses supplies live supervision state.
func New(cfg *config.Config, db *gorm.DB, statuses func() []manager.ServiceStatus) *Monitor {
	return &Monitor{cfg: cfg, db: db, statuses: statuses}
}

// Router builds the HTTP handler.
func (m *Monitor) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/status", m.getStatus)
	api.GET("/pending", m.getPending)
	api.GET("/spool", m.getSpool)
	return router
}

// Run serves the API until the listener fails. It is started in its own
// goroutine by the manager.
func (m *Monitor) Run(addr string) error {
	return m.Router().Run(addr)
}

func (m *Monitor) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": m.statuses()})
}

type pendingEntry struct {
	ID         uint      `json:"id"`
	Repository string    `json:"repository"`
	RefName    string    `json:"ref_name"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Abandoned  bool      `json:"abandoned,omitempty"`
}

func (m *Monitor) getPending(c *gin.Context) {
	var rows []models.PendingRefUpdate
	err := m.db.Preload("Repository").Order("id ASC").Find(&rows).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database query failed"})
		return
	}
	entries := make([]pendingEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, pendingEntry{
			ID:         row.ID,
			Repository: row.Repository.Name,
			RefName:    row.RefName,
			State:      row.State,
			StartedAt:  row.StartedAt,
			Abandoned:  row.Abandoned,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pending": entries})
}

type spoolEntry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (m *Monitor) getSpool(c *gin.Context) {
	entries, err := os.ReadDir(m.cfg.OutboxDir())
	if err != nil && !os.IsNotExist(err) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "spool listing failed"})
		return
	}
	spool := make([]spoolEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".txt" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		spool = append(spool, spoolEntry{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"spool": spool})
}
