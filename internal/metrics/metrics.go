package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "koomy"
	subsystem = "community"
)

// Metrics holds the business metrics of the community service.
// All methods are safe on a nil receiver.
type Metrics struct {
	CodesGenerated   *prometheus.CounterVec
	CodeCollisions   prometheus.Counter
	Verifications    *prometheus.CounterVec
	Claims           *prometheus.CounterVec
	QuotaRejections  *prometheus.CounterVec
	PlanChanges      *prometheus.CounterVec
	RateLimitsHit    *prometheus.CounterVec
	BillableMembers  *prometheus.GaugeVec
	MemberCeiling    *prometheus.GaugeVec
	QuotaUtilization *prometheus.GaugeVec

	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
}

// New registers the business metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CodesGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "claim_codes_generated_total",
				Help:      "Total number of claim codes issued",
			},
			[]string{"role"},
		),
		CodeCollisions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "claim_code_collisions_total",
				Help:      "Total number of generated claim codes that were already taken",
			},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "claim_code_verifications_total",
				Help:      "Total number of claim code verifications",
			},
			[]string{"result"}, // valid, not_found, already_claimed
		),
		Claims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "claims_total",
				Help:      "Total number of claim attempts",
			},
			[]string{"result"},
		),
		QuotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "quota_rejections_total",
				Help:      "Total number of operations refused by the plan member ceiling",
			},
			[]string{"operation"}, // create_member, change_plan
		),
		PlanChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "plan_changes_total",
				Help:      "Total number of successful plan changes",
			},
			[]string{"direction"},
		),
		RateLimitsHit: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limits_hit_total",
				Help:      "Total number of rate limit violations",
			},
			[]string{"action"}, // verify, claim
		),
		BillableMembers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "billable_members",
				Help:      "Billable members per community at the last usage snapshot",
			},
			[]string{"community_id", "plan_id"},
		),
		MemberCeiling: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "member_ceiling",
				Help:      "Plan member ceiling per community, -1 when unlimited",
			},
			[]string{"community_id", "plan_id"},
		),
		QuotaUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "quota_utilization_ratio",
				Help:      "Billable members divided by plan ceiling, 0 when unlimited",
			},
			[]string{"community_id", "plan_id"},
		),
		DBConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		DBConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections currently in use",
			},
		),
		DBConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
	}
}

func (m *Metrics) RecordCodeGenerated(role string) {
	if m == nil {
		return
	}
	m.CodesGenerated.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordCodeCollision() {
	if m == nil {
		return
	}
	m.CodeCollisions.Inc()
}

func (m *Metrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordClaim(result string) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordQuotaRejection(operation string) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordPlanChange(direction string) {
	if m == nil {
		return
	}
	m.PlanChanges.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordRateLimited(action string) {
	if m == nil {
		return
	}
	m.RateLimitsHit.WithLabelValues(action).Inc()
}

// SetCommunityUsage publishes one community's usage snapshot. A nil ceiling means unlimited.
func (m *Metrics) SetCommunityUsage(communityID, planID string, billable int64, ceiling *int) {
	if m == nil {
		return
	}
	m.BillableMembers.WithLabelValues(communityID, planID).Set(float64(billable))
	if ceiling == nil {
		m.MemberCeiling.WithLabelValues(communityID, planID).Set(-1)
		m.QuotaUtilization.WithLabelValues(communityID, planID).Set(0)
		return
	}
	m.MemberCeiling.WithLabelValues(communityID, planID).Set(float64(*ceiling))
	if *ceiling > 0 {
		m.QuotaUtilization.WithLabelValues(communityID, planID).Set(float64(billable) / float64(*ceiling))
	}
}

// ResetCommunityUsage drops stale per-community series before a new snapshot
func (m *Metrics) ResetCommunityUsage() {
	if m == nil {
		return
	}
	m.BillableMembers.Reset()
	m.MemberCeiling.Reset()
	m.QuotaUtilization.Reset()
}

// SetDBStats records connection pool statistics
func (m *Metrics) SetDBStats(open, inUse, idle int) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(open))
	m.DBConnectionsInUse.Set(float64(inUse))
	m.DBConnectionsIdle.Set(float64(idle))
}
