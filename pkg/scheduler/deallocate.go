package scheduler

import (
	"context"
	"time"
)

// produceDeallocate runs two passes per tick: first disabling cloud nodes
// that have been idle past their provider's configured tolerance, then
// yielding every disabled, fully-provisioned node with no RUNNING task
// for the consumer to tear down.
func (s *Scheduler) produceDeallocate(ctx context.Context) []string {
	s.disableIdleCloudNodes(ctx)
	return s.collectDisconnectable(ctx)
}

// disableIdleCloudNodes walks every enabled, cloud-backed node and
// disables it in the Store once its live Machine has been idle longer
// than that provider's idle_tolerance.
func (s *Scheduler) disableIdleCloudNodes(ctx context.Context) {
	nodes, err := s.store.GetEnabledNodes(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("deallocate: listing enabled nodes")
		return
	}
	for _, n := range nodes {
		if n.Cloud == nil {
			continue
		}
		c := s.findCloud(*n.Cloud)
		if c == nil || c.IdleTolerance <= 0 {
			continue
		}
		m, ok := s.repo.Get(n.IP)
		if !ok {
			continue
		}
		if !m.Meta.IsFreeLongerThan(time.Duration(c.IdleTolerance) * time.Second) {
			continue
		}
		if err := s.store.DisableNode(ctx, n.IP); err != nil {
			s.log.Warn().Str("ip", n.IP).Err(err).Msg("deallocate: disabling idle cloud node")
			continue
		}
		s.log.Info().Str("ip", n.IP).Str("cloud", *n.Cloud).Msg("deallocate: disabled idle cloud node")
	}
}

// collectDisconnectable finds every disabled, fully-provisioned node with
// no task currently RUNNING on it, disconnects its live Machine, and
// returns its ip for the consumer to deallocate in the cloud.
func (s *Scheduler) collectDisconnectable(ctx context.Context) []string {
	nodes, err := s.store.GetDisabledNodes(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("deallocate: listing disabled nodes")
		return nil
	}
	runningIPs, err := s.runningIPs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("deallocate: listing running task ips")
		return nil
	}

	var out []string
	for _, n := range nodes {
		if _, busy := runningIPs[n.IP]; busy {
			continue
		}
		s.repo.Remove(n.IP)
		out = append(out, n.IP)
	}
	return out
}

// consumeDeallocate tears down a disconnected node in the cloud (a noop
// for nodes with no cloud provider recorded).
func (s *Scheduler) consumeDeallocate(ctx context.Context, ip string) {
	if err := s.clouds.Deallocate(ctx, ip); err != nil {
		s.log.Warn().Str("ip", ip).Err(err).Msg("deallocate: removing node")
		return
	}
	s.log.Info().Str("ip", ip).Msg("deallocate: node removed")
}
