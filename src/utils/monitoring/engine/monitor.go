package monitor_engine

import (
	"net/http"
	"time"

	"github.com/rvr-protocol/streamsync/src/utils/monitoring/report"
	"github.com/rvr-protocol/streamsync/src/utils/task"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Stores and computes monitor counters
type Monitor struct {
	*task.Task

	Report report.Report

	collector *Collector
}

func NewMonitor() (self *Monitor) {
	self = new(Monitor)

	self.Report = report.Report{
		Run:     &report.RunReport{},
		Session: &report.SessionReport{},
		Crypto:  &report.CryptoReport{},
	}

	// Initialization
	self.Report.Run.State.StartTimestamp.Store(time.Now().Unix())

	self.collector = NewCollector().WithMonitor(self)

	self.Task = task.NewTask(nil, "monitor").
		WithPeriodicSubtaskFunc(time.Minute, self.monitorUptime)
	return
}

func (self *Monitor) GetReport() *report.Report {
	return &self.Report
}

func (self *Monitor) GetPrometheusCollector() (collector prometheus.Collector) {
	return self.collector
}

func (self *Monitor) monitorUptime() (err error) {
	up := time.Now().Unix() - self.Report.Run.State.StartTimestamp.Load()
	if up < 0 {
		up = 0
	}
	self.Report.Run.State.UpForSeconds.Store(uint64(up))
	return
}

// IsOK reports whether the session keeps making progress. Freshly started
// engines get a grace period before retries count against them.
func (self *Monitor) IsOK() bool {
	now := time.Now().Unix()
	if now-self.Report.Run.State.StartTimestamp.Load() < 300 {
		return true
	}

	lastSync := self.Report.Session.State.LastSyncTimestamp.Load()
	return lastSync > 0 && now-lastSync < 600
}

func (self *Monitor) OnGetState(c *gin.Context) {
	c.JSON(http.StatusOK, &self.Report)
}

func (self *Monitor) OnGetHealth(c *gin.Context) {
	if self.IsOK() {
		c.Status(http.StatusOK)
	} else {
		c.Status(http.StatusServiceUnavailable)
	}
}
