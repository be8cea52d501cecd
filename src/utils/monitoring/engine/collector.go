package monitor_engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	monitor *Monitor

	StartTimestamp    *prometheus.Desc
	UpForSeconds      *prometheus.Desc
	SyncState         *prometheus.Desc
	TrackedStreams    *prometheus.Desc
	UpdatesApplied    *prometheus.Desc
	UpdatesDropped    *prometheus.Desc
	MiniblocksSealed  *prometheus.Desc
	Retries           *prometheus.Desc
	LastSyncTimestamp *prometheus.Desc

	SubscriptionErrors     *prometheus.Desc
	UpdateProcessingErrors *prometheus.Desc
	PersistenceErrors      *prometheus.Desc
	ProtocolFaults         *prometheus.Desc

	OutboundSessionsCreated *prometheus.Desc
	InboundSessionsImported *prometheus.Desc
	TrustUpgrades           *prometheus.Desc
	DecryptErrors           *prometheus.Desc
	IntegrityFaults         *prometheus.Desc
}

func NewCollector() *Collector {
	labels := prometheus.Labels{
		"app": "streamsync",
	}

	return &Collector{
		StartTimestamp:    prometheus.NewDesc("start_timestamp", "", nil, labels),
		UpForSeconds:      prometheus.NewDesc("up_for_seconds", "", nil, labels),
		SyncState:         prometheus.NewDesc("sync_state", "", nil, labels),
		TrackedStreams:    prometheus.NewDesc("tracked_streams", "", nil, labels),
		UpdatesApplied:    prometheus.NewDesc("updates_applied", "", nil, labels),
		UpdatesDropped:    prometheus.NewDesc("updates_dropped", "", nil, labels),
		MiniblocksSealed:  prometheus.NewDesc("miniblocks_sealed", "", nil, labels),
		Retries:           prometheus.NewDesc("retries", "", nil, labels),
		LastSyncTimestamp: prometheus.NewDesc("last_sync_timestamp", "", nil, labels),

		// Errors
		SubscriptionErrors:     prometheus.NewDesc("error_subscription", "", nil, labels),
		UpdateProcessingErrors: prometheus.NewDesc("error_update_processing", "", nil, labels),
		PersistenceErrors:      prometheus.NewDesc("error_persistence", "", nil, labels),
		ProtocolFaults:         prometheus.NewDesc("error_protocol_fault", "", nil, labels),

		// Crypto
		OutboundSessionsCreated: prometheus.NewDesc("outbound_sessions_created", "", nil, labels),
		InboundSessionsImported: prometheus.NewDesc("inbound_sessions_imported", "", nil, labels),
		TrustUpgrades:           prometheus.NewDesc("trust_upgrades", "", nil, labels),
		DecryptErrors:           prometheus.NewDesc("error_decrypt", "", nil, labels),
		IntegrityFaults:         prometheus.NewDesc("error_integrity_fault", "", nil, labels),
	}
}

func (self *Collector) WithMonitor(m *Monitor) *Collector {
	self.monitor = m
	return self
}

func (self *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- self.StartTimestamp
	ch <- self.UpForSeconds
	ch <- self.SyncState
	ch <- self.TrackedStreams
	ch <- self.UpdatesApplied
	ch <- self.UpdatesDropped
	ch <- self.MiniblocksSealed
	ch <- self.Retries
	ch <- self.LastSyncTimestamp
	ch <- self.SubscriptionErrors
	ch <- self.UpdateProcessingErrors
	ch <- self.PersistenceErrors
	ch <- self.ProtocolFaults
	ch <- self.OutboundSessionsCreated
	ch <- self.InboundSessionsImported
	ch <- self.TrustUpgrades
	ch <- self.DecryptErrors
	ch <- self.IntegrityFaults
}

func (self *Collector) Collect(ch chan<- prometheus.Metric) {
	run := &self.monitor.Report.Run.State
	session := self.monitor.Report.Session
	crypto := self.monitor.Report.Crypto

	ch <- prometheus.MustNewConstMetric(self.StartTimestamp, prometheus.GaugeValue, float64(run.StartTimestamp.Load()))
	ch <- prometheus.MustNewConstMetric(self.UpForSeconds, prometheus.GaugeValue, float64(run.UpForSeconds.Load()))
	ch <- prometheus.MustNewConstMetric(self.SyncState, prometheus.GaugeValue, float64(session.State.SyncState.Load()))
	ch <- prometheus.MustNewConstMetric(self.TrackedStreams, prometheus.GaugeValue, float64(session.State.TrackedStreams.Load()))
	ch <- prometheus.MustNewConstMetric(self.UpdatesApplied, prometheus.CounterValue, float64(session.State.UpdatesApplied.Load()))
	ch <- prometheus.MustNewConstMetric(self.UpdatesDropped, prometheus.CounterValue, float64(session.State.UpdatesDropped.Load()))
	ch <- prometheus.MustNewConstMetric(self.MiniblocksSealed, prometheus.CounterValue, float64(session.State.MiniblocksSealed.Load()))
	ch <- prometheus.MustNewConstMetric(self.Retries, prometheus.CounterValue, float64(session.State.Retries.Load()))
	ch <- prometheus.MustNewConstMetric(self.LastSyncTimestamp, prometheus.GaugeValue, float64(session.State.LastSyncTimestamp.Load()))
	ch <- prometheus.MustNewConstMetric(self.SubscriptionErrors, prometheus.CounterValue, float64(session.Errors.SubscriptionErrors.Load()))
	ch <- prometheus.MustNewConstMetric(self.UpdateProcessingErrors, prometheus.CounterValue, float64(session.Errors.UpdateProcessingErrors.Load()))
	ch <- prometheus.MustNewConstMetric(self.PersistenceErrors, prometheus.CounterValue, float64(session.Errors.PersistenceErrors.Load()))
	ch <- prometheus.MustNewConstMetric(self.ProtocolFaults, prometheus.CounterValue, float64(session.Errors.ProtocolFaults.Load()))
	ch <- prometheus.MustNewConstMetric(self.OutboundSessionsCreated, prometheus.CounterValue, float64(crypto.State.OutboundSessionsCreated.Load()))
	ch <- prometheus.MustNewConstMetric(self.InboundSessionsImported, prometheus.CounterValue, float64(crypto.State.InboundSessionsImported.Load()))
	ch <- prometheus.MustNewConstMetric(self.TrustUpgrades, prometheus.CounterValue, float64(crypto.State.TrustUpgrades.Load()))
	ch <- prometheus.MustNewConstMetric(self.DecryptErrors, prometheus.CounterValue, float64(crypto.Errors.DecryptErrors.Load()))
	ch <- prometheus.MustNewConstMetric(self.IntegrityFaults, prometheus.CounterValue, float64(crypto.Errors.IntegrityFaults.Load()))
}
