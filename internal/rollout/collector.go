package rollout

import "context"

// MetricsCollector resolves rollout health metrics over a rollout's
// current org population. Actually gathering session telemetry lives
// outside this package; production wiring injects a collector backed by
// the dashboard's metrics store.
type MetricsCollector interface {
	CollectMetrics(ctx context.Context, rolloutID string, orgIDs []string) (MetricsSnapshot, error)
}

// OrgDirectory resolves the candidate org population for a channel.
// Like MetricsCollector, org membership is owned outside this package.
type OrgDirectory interface {
	OrgsForChannel(channel Channel) []Org
}
