package health

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hongzhonglu/vivarium/internal/shepherd"
)

// BrokerHealthChecker checks broker connectivity by opening a connection to
// the configured host.
type BrokerHealthChecker struct {
	host    string
	timeout time.Duration
}

// NewBrokerHealthChecker creates a broker connectivity checker
func NewBrokerHealthChecker(host string) *BrokerHealthChecker {
	return &BrokerHealthChecker{host: host, timeout: 5 * time.Second}
}

func (b *BrokerHealthChecker) Name() string           { return "broker" }
func (b *BrokerHealthChecker) IsCritical() bool       { return true }
func (b *BrokerHealthChecker) Timeout() time.Duration { return b.timeout }

func (b *BrokerHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "broker", Critical: true}

	conn, err := kafka.DialContext(ctx, "tcp", b.host)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "broker unreachable"
		return result
	}
	conn.Close()
	result.Status = StatusHealthy
	result.Message = "broker reachable"
	return result
}

// RegistryHealthChecker reports on the agent registry. It never fails the
// service; dead children awaiting an explicit remove only degrade it.
type RegistryHealthChecker struct {
	sup *shepherd.Supervisor
}

// NewRegistryHealthChecker creates a registry checker
func NewRegistryHealthChecker(sup *shepherd.Supervisor) *RegistryHealthChecker {
	return &RegistryHealthChecker{sup: sup}
}

func (r *RegistryHealthChecker) Name() string           { return "registry" }
func (r *RegistryHealthChecker) IsCritical() bool       { return false }
func (r *RegistryHealthChecker) Timeout() time.Duration { return time.Second }

func (r *RegistryHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "registry"}

	statuses := r.sup.Status()
	dead := 0
	for _, s := range statuses {
		if !s.Alive {
			dead++
		}
	}
	result.Duration = time.Since(start)
	result.Details = map[string]any{"agents": len(statuses), "dead": dead}
	if dead > 0 {
		result.Status = StatusDegraded
		result.Message = "registry holds exited agents"
		return result
	}
	result.Status = StatusHealthy
	return result
}
