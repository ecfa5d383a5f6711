/*
Package health provides a minimal, context-aware TCP reachability check.

The connect pipeline uses a TCPChecker against ip:22 as a cheap pre-flight
before attempting a full SSH handshake, so an obviously unreachable host
fails fast with a clear message instead of waiting out the SSH client's
own connect timeout.

	checker := health.NewTCPChecker(net.JoinHostPort(ip, "22")).WithTimeout(3 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		log.Warn().Str("ip", ip).Str("reason", result.Message).Msg("node unreachable")
		return
	}
*/
package health
