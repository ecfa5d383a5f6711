package scheduler

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/health"
	"github.com/tilde-lab/yascheduler/pkg/remotemachine"
)

// connectPreflightTimeout bounds the TCP reachability check that runs
// before every SSH handshake attempt.
const connectPreflightTimeout = 3 * time.Second

// produceConnect diffs the Store's enabled nodes against the repository's
// live connections and yields every ip not yet connected.
func (s *Scheduler) produceConnect(ctx context.Context) []string {
	nodes, err := s.store.GetEnabledNodes(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("connect: listing enabled nodes")
		return nil
	}
	var out []string
	for _, n := range nodes {
		if _, ok := s.repo.Get(n.IP); !ok {
			out = append(out, n.IP)
		}
	}
	return out
}

// consumeConnect resolves jump-host settings, dials ip over SSH, and adds
// the resulting Machine to the repository. Failures are logged and left
// for the next tick's producer to retry.
func (s *Scheduler) consumeConnect(ctx context.Context, ip string) {
	node, err := s.store.GetNode(ctx, ip)
	if err != nil || node == nil {
		s.log.Warn().Str("ip", ip).Err(err).Msg("connect: node vanished before dial")
		return
	}

	checker := health.NewTCPChecker(net.JoinHostPort(ip, "22")).WithTimeout(connectPreflightTimeout)
	if res := checker.Check(ctx); !res.Healthy {
		s.log.Warn().Str("ip", ip).Str("reason", res.Message).Msg("connect: node unreachable, will retry")
		return
	}

	// Per-cloud jump-host override wins over the remote section's default.
	jumpHost, jumpUser := s.cfg.Remote.JumpHost, s.cfg.Remote.JumpUsername
	if node.Cloud != nil {
		if c := s.findCloud(*node.Cloud); c != nil && c.JumpHost != "" {
			jumpHost, jumpUser = c.JumpHost, c.JumpUsername
		}
	}

	signer, err := s.clouds.SSHSigner()
	if err != nil {
		s.log.Warn().Str("ip", ip).Err(err).Msg("connect: loading ssh key")
		return
	}

	var opts []remotemachine.Option
	if jumpHost != "" {
		opts = append(opts, remotemachine.WithJumpHost(jumpHost, jumpUser))
	}

	username := node.Username
	if username == "" {
		username = s.cfg.Remote.Username
	}

	m, err := remotemachine.Connect(ctx, ip, username, []ssh.Signer{signer},
		s.cfg.Remote.DataDir, s.cfg.Remote.TasksDir, s.cfg.Remote.EnginesDir, opts...)
	if err != nil {
		s.log.Warn().Str("ip", ip).Err(err).Msg("connect: dialing node")
		return
	}

	s.repo.Add(m)
	s.log.Info().Str("ip", ip).Strs("platforms", m.Platforms()).Msg("connect: node online")
}

// findCloud looks up a configured cloud provider section by name.
func (s *Scheduler) findCloud(name string) *config.Cloud {
	for i := range s.cfg.Clouds {
		if string(s.cfg.Clouds[i].Provider) == name {
			return &s.cfg.Clouds[i]
		}
	}
	return nil
}
