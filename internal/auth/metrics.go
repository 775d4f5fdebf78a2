package auth

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	Logins         *prometheus.CounterVec
	Registrations  *prometheus.CounterVec
	ShadowsCreated prometheus.Counter
	TokenGrants    *prometheus.CounterVec
	Lifecycle      *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg, or the default registerer
// when reg is nil. Collectors already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity_bridge",
			Name:      "logins_total",
			Help:      "Login attempts partitioned by outcome.",
		}, []string{"outcome"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity_bridge",
			Name:      "registrations_total",
			Help:      "Registration attempts partitioned by outcome.",
		}, []string{"outcome"}),
		ShadowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "identity_bridge",
			Name:      "shadow_accounts_created_total",
			Help:      "Shadow accounts created in the host registry.",
		}),
		TokenGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity_bridge",
			Name:      "video_token_grants_total",
			Help:      "Video platform token grants partitioned by result (minted, failed, skipped).",
		}, []string{"result"}),
		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity_bridge",
			Name:      "lifecycle_operations_total",
			Help:      "Account lifecycle operations partitioned by operation and outcome.",
		}, []string{"op", "outcome"}),
	}

	var err error
	if m.Logins, err = registerVec(reg, m.Logins); err != nil {
		return nil, err
	}
	if m.Registrations, err = registerVec(reg, m.Registrations); err != nil {
		return nil, err
	}
	if m.TokenGrants, err = registerVec(reg, m.TokenGrants); err != nil {
		return nil, err
	}
	if m.Lifecycle, err = registerVec(reg, m.Lifecycle); err != nil {
		return nil, err
	}
	if err := reg.Register(m.ShadowsCreated); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register shadow counter: %w", err)
		}
		existing, ok := already.ExistingCollector.(prometheus.Counter)
		if !ok {
			return nil, fmt.Errorf("existing shadow collector has unexpected type %T", already.ExistingCollector)
		}
		m.ShadowsCreated = existing
	}
	return m, nil
}

func registerVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}

// outcome labels
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeBlocked = "blocked"
)

func (m *Metrics) login(outcome string) {
	if m != nil {
		m.Logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) registration(outcome string) {
	if m != nil {
		m.Registrations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) shadowCreated() {
	if m != nil {
		m.ShadowsCreated.Inc()
	}
}

func (m *Metrics) grant(result string) {
	if m != nil {
		m.TokenGrants.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) lifecycle(op string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.Lifecycle.WithLabelValues(op, outcome).Inc()
}
