package http

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/credential"
)

// collectTimeout bounds the batch snapshot taken per scrape.
const collectTimeout = 5 * time.Second

// collector exposes batch and credential state at scrape time.
//
// Metrics:
//   - batchd_tasks{batch,status} - tasks per checkpoint status
//   - batchd_credentials{status} - credentials per status
//   - batchd_credential_leases_total{cred_ref} - leases granted
//   - batchd_credential_quarantines_total{cred_ref} - quarantines entered
//   - batchd_worker_slots{state} - slot capacity and usage
type collector struct {
	s *Server

	tasks       *prometheus.Desc
	credentials *prometheus.Desc
	leases      *prometheus.Desc
	quarantines *prometheus.Desc
	slots       *prometheus.Desc
}

func newCollector(s *Server) *collector {
	return &collector{
		s: s,
		tasks: prometheus.NewDesc("batchd_tasks",
			"Tasks in the running batch by checkpoint status",
			[]string{"batch", "status"}, nil),
		credentials: prometheus.NewDesc("batchd_credentials",
			"Credentials by status",
			[]string{"status"}, nil),
		leases: prometheus.NewDesc("batchd_credential_leases_total",
			"Leases granted per credential",
			[]string{"cred_ref"}, nil),
		quarantines: prometheus.NewDesc("batchd_credential_quarantines_total",
			"Quarantines entered per credential",
			[]string{"cred_ref"}, nil),
		slots: prometheus.NewDesc("batchd_worker_slots",
			"Worker slot capacity and usage",
			[]string{"state"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.credentials
	ch <- c.leases
	ch <- c.quarantines
	ch <- c.slots
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	infos := c.s.creds.Status()
	counts := CountCredentials(infos, nil)
	for status, n := range map[credential.Status]int{
		credential.StatusAvailable:   counts.Available,
		credential.StatusLeased:      counts.Leased,
		credential.StatusQuarantined: counts.Quarantined,
		credential.StatusRevoked:     counts.Revoked,
	} {
		ch <- prometheus.MustNewConstMetric(c.credentials, prometheus.GaugeValue, float64(n), status.String())
	}
	for _, info := range infos {
		ch <- prometheus.MustNewConstMetric(c.leases, prometheus.CounterValue, float64(info.Leases), string(info.Ref))
		ch <- prometheus.MustNewConstMetric(c.quarantines, prometheus.CounterValue, float64(info.Quarantines), string(info.Ref))
	}

	ch <- prometheus.MustNewConstMetric(c.slots, prometheus.GaugeValue, float64(c.s.slots.Capacity()), "capacity")
	ch <- prometheus.MustNewConstMetric(c.slots, prometheus.GaugeValue, float64(c.s.slots.InUse()), "in_use")

	b := c.s.currentBatch()
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	st, err := b.Snapshot(ctx)
	if err != nil {
		c.s.logger.Warn("metrics: batch snapshot failed", zap.Error(err))
		return
	}
	for status, n := range map[checkpoint.Status]int{
		checkpoint.StatusPending:   st.Pending,
		checkpoint.StatusRunning:   st.Running,
		checkpoint.StatusSucceeded: st.Succeeded,
		checkpoint.StatusFailed:    st.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(n), st.BatchID, string(status))
	}
}
