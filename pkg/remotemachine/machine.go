// Package remotemachine wraps an SSH connection to a worker host:
// platform detection, command execution, SFTP file transfer, and the
// busy/idle bookkeeping the scheduler uses to pick which machine to hand
// a task to next.
package remotemachine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/retry"
)

// MaxSessions bounds concurrent SSH sessions (commands/sftp transfers) per
// machine, mirroring the Python client's MAX_SESSIONS=10.
const MaxSessions = 10

const keepaliveInterval = 10 * time.Second
const keepaliveMaxMissed = 10

// Metadata tracks whether a machine currently has a task running on it,
// and since when it has been free.
type Metadata struct {
	mu               sync.Mutex
	busy             bool
	freeSince        time.Time
	occupancyStarted bool
}

// SetBusy flips the busy flag, stamping FreeSince when transitioning to
// idle and clearing it when marked busy.
func (m *Metadata) SetBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy && !busy {
		m.freeSince = time.Now()
	}
	if busy {
		m.freeSince = time.Time{}
	}
	m.busy = busy
}

// Busy reports whether a task is currently assigned to this machine.
func (m *Metadata) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// IsFreeLongerThan reports whether the machine has been idle for at least
// d.
func (m *Metadata) IsFreeLongerThan(d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return false
	}
	return !m.freeSince.IsZero() && time.Since(m.freeSince) >= d
}

// FreeSince returns the timestamp the machine last went idle, zero if it
// has never been idle or is currently busy.
func (m *Metadata) FreeSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeSince
}

// HasOccupancyChecker reports whether an occupancy-check goroutine has
// ever been started for this machine. A freshly reconnected machine
// (e.g. after a daemon restart) has a Busy() of false by zero value even
// though a task may still be running on it; this flag lets the consume
// pipeline distinguish "known idle" from "never checked".
func (m *Metadata) HasOccupancyChecker() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupancyStarted
}

func (m *Metadata) markOccupancyStarted() {
	m.mu.Lock()
	m.occupancyStarted = true
	m.mu.Unlock()
}

// Machine is one live SSH connection to a worker host.
type Machine struct {
	Host     string
	Username string
	Meta     *Metadata

	client    *ssh.Client
	adapter   Adapter
	platforms []string
	log       zerolog.Logger

	dataDir, tasksDir, enginesDir string

	sessions chan struct{}
	osCache  *gocache.Cache

	cancelKeepalive context.CancelFunc
}

// Option customizes Connect.
type Option func(*connectOpts)

type connectOpts struct {
	jumpHost, jumpUsername string
	timeout                time.Duration
	hostKeyCallback        ssh.HostKeyCallback
}

// WithJumpHost routes the connection through an intermediate SSH host.
func WithJumpHost(host, username string) Option {
	return func(o *connectOpts) { o.jumpHost, o.jumpUsername = host, username }
}

// WithTimeout overrides the default 10s connect timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *connectOpts) { o.timeout = d }
}

// WithKnownHosts enables strict host key checking against the given
// known_hosts-format callback, replacing the default trust-on-first-use
// behavior. Not wired to any config key yet; a deliberate opt-in for
// deployments that want it.
func WithKnownHosts(cb ssh.HostKeyCallback) Option {
	return func(o *connectOpts) { o.hostKeyCallback = cb }
}

// Connect dials host, authenticates with signers, detects its platform
// family, and starts its keepalive loop.
func Connect(ctx context.Context, host, username string, signers []ssh.Signer, dataDir, tasksDir, enginesDir string, opts ...Option) (*Machine, error) {
	o := connectOpts{timeout: 10 * time.Second, hostKeyCallback: ssh.InsecureIgnoreHostKey()}
	for _, apply := range opts {
		apply(&o)
	}

	auths := make([]ssh.AuthMethod, 0, 1)
	if len(signers) > 0 {
		auths = append(auths, ssh.PublicKeys(signers...))
	}
	clientCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auths,
		HostKeyCallback: o.hostKeyCallback,
		Timeout:         o.timeout,
	}

	var client *ssh.Client
	var err error
	if o.jumpHost != "" {
		jumpCfg := *clientCfg
		jumpCfg.User = o.jumpUsername
		jumpClient, jerr := ssh.Dial("tcp", addrWithPort(o.jumpHost), &jumpCfg)
		if jerr != nil {
			return nil, fmt.Errorf("dialing jump host %s: %w", o.jumpHost, jerr)
		}
		conn, cerr := jumpClient.Dial("tcp", addrWithPort(host))
		if cerr != nil {
			jumpClient.Close()
			return nil, fmt.Errorf("dialing %s via jump host: %w", host, cerr)
		}
		ncc, chans, reqs, herr := ssh.NewClientConn(conn, addrWithPort(host), clientCfg)
		if herr != nil {
			jumpClient.Close()
			return nil, fmt.Errorf("handshaking with %s via jump host: %w", host, herr)
		}
		client = ssh.NewClient(ncc, chans, reqs)
	} else {
		client, err = ssh.Dial("tcp", addrWithPort(host), clientCfg)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", host, err)
		}
	}

	m := &Machine{
		Host:       host,
		Username:   username,
		Meta:       &Metadata{freeSince: time.Now()},
		client:     client,
		log:        log.WithNode(host),
		dataDir:    dataDir,
		tasksDir:   tasksDir,
		enginesDir: enginesDir,
		sessions:   make(chan struct{}, MaxSessions),
		osCache:    gocache.New(5*time.Minute, 10*time.Minute),
	}

	adapter, platforms, err := m.detectPlatform(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	m.adapter = adapter
	m.platforms = platforms

	kctx, cancel := context.WithCancel(context.Background())
	m.cancelKeepalive = cancel
	go m.keepaliveLoop(kctx)

	return m, nil
}

func addrWithPort(host string) string {
	for _, c := range host {
		if c == ':' {
			return host
		}
	}
	return host + ":22"
}

func (m *Machine) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := m.client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				missed++
				if missed >= keepaliveMaxMissed {
					m.log.Warn().Msg("keepalive missed too many times, closing connection")
					m.Close()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

// detectPlatform runs every adapter's checks concurrently, bounded by the
// session semaphore that runRaw takes for each check command, and returns
// the first full match plus the tags of every adapter that also fully
// matched.
func (m *Machine) detectPlatform(ctx context.Context) (Adapter, []string, error) {
	type result struct {
		idx     int
		matched bool
	}
	results := make([]result, len(Adapters))
	var wg sync.WaitGroup
	for i, a := range Adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			results[i] = result{idx: i, matched: a.matches(ctx, m.runRaw)}
		}(i, a)
	}
	wg.Wait()

	var matchedIdx []int
	for _, r := range results {
		if r.matched {
			matchedIdx = append(matchedIdx, r.idx)
		}
	}
	if len(matchedIdx) == 0 {
		return Adapter{}, nil, ErrPlatformGuessFailed
	}
	sort.Ints(matchedIdx)
	tags := make([]string, len(matchedIdx))
	for i, idx := range matchedIdx {
		tags[i] = Adapters[idx].Tag
	}
	return Adapters[matchedIdx[0]], tags, nil
}

// Platforms returns every platform tag this machine matched, most
// specific first.
func (m *Machine) Platforms() []string { return m.platforms }

// runRaw executes command in a fresh SSH session and returns its stdout
// untrimmed (stderr is discarded), without retry (used by platform detection, which must
// treat a failing command as "check didn't match", not a transient
// error).
func (m *Machine) runRaw(ctx context.Context, command string) (string, error) {
	m.sessions <- struct{}{}
	defer func() { <-m.sessions }()

	sess, err := m.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	if err := sess.Run(command); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// Run executes command in a working directory (if cwd is non-empty,
// prefixed with `cd <cwd>;`), retried under the SSH transient-error
// policy.
func (m *Machine) Run(ctx context.Context, command, cwd string) (string, error) {
	full := command
	if cwd != "" {
		full = fmt.Sprintf("cd %s; %s", m.adapter.Quote(cwd), command)
	}
	var out string
	err := retry.Do(ctx, retry.SSH, func() error {
		var rerr error
		out, rerr = m.runRaw(ctx, full)
		return rerr
	})
	return out, err
}

// RunCode executes command (optionally under cwd) and returns its
// untrimmed stdout together with the remote process's exit code, for
// callers that need the code itself rather than a Go error — notably
// engine liveness probes configured with check_cmd/check_cmd_code.
// Transient SSH errors are returned as err with code -1; a completed
// remote process, whatever its exit status, returns err == nil.
func (m *Machine) RunCode(ctx context.Context, command, cwd string) (string, int, error) {
	full := command
	if cwd != "" {
		full = fmt.Sprintf("cd %s; %s", m.adapter.Quote(cwd), command)
	}
	out, err := m.runRaw(ctx, full)
	if err == nil {
		return out, 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out, exitErr.ExitStatus(), nil
	}
	return out, -1, err
}

// RunBackground starts command detached, wrapped in `nohup sh -c ... &`
// whatever the detected platform (Windows adapters get the same shell
// wrapper), and returns immediately without waiting for completion.
func (m *Machine) RunBackground(ctx context.Context, command, cwd string) error {
	bg := fmt.Sprintf("nohup sh -c %s > /dev/null 2>&1 &", m.adapter.Quote(command))
	if cwd != "" {
		bg = fmt.Sprintf("cd %s; %s", m.adapter.Quote(cwd), bg)
	}
	_, err := m.runRaw(ctx, bg)
	return err
}

// SFTP opens a new SFTP client for file transfer. Callers must Close it
// when done.
func (m *Machine) SFTP() (*sftp.Client, error) {
	m.sessions <- struct{}{}
	cli, err := sftp.NewClient(m.client)
	if err != nil {
		<-m.sessions
		return nil, err
	}
	return cli, nil
}

// ReleaseSFTP returns the session slot an SFTP client holds; callers must
// call this after closing the *sftp.Client from SFTP.
func (m *Machine) ReleaseSFTP() { <-m.sessions }

// GetCPUCores asks the remote host how many processor cores it has.
func (m *Machine) GetCPUCores(ctx context.Context) (int, error) {
	out, err := m.Run(ctx, m.adapter.CPUCoresCmd, "")
	if err != nil {
		return 0, err
	}
	n := 0
	fmt.Sscanf(out, "%d", &n)
	if n <= 0 {
		return 1, nil
	}
	return n, nil
}

// ListProcesses lists every process currently running on the host.
func (m *Machine) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	return m.adapter.ListProc(ctx, m.runRaw)
}

// Pgrep lists processes whose name (or, if full, full command line)
// matches pattern.
func (m *Machine) Pgrep(ctx context.Context, pattern string, full bool) ([]ProcessInfo, error) {
	return m.adapter.Pgrep(ctx, m.runRaw, pattern, full)
}

// SetupNode provisions this machine for engines: it installs the OS
// packages every configured engine needs via the detected platform's
// package manager, then deploys each engine's binaries under
// enginesDir/<name>. Both steps are idempotent: package installs are a
// no-op once satisfied, and deploy re-uploads every engine.Deployable
// entry to the same fixed remote paths, so a repeat run overwrites
// rather than duplicates.
func (m *Machine) SetupNode(ctx context.Context, engines *engine.Registry) error {
	if err := m.adapter.SetupNode(ctx, m.runRaw, m.Username, engines.FilterPlatforms(m.platforms).PlatformPackages()); err != nil {
		return fmt.Errorf("installing packages: %w", err)
	}
	if err := m.deployEngines(ctx, engines.FilterPlatforms(m.platforms).All()); err != nil {
		return fmt.Errorf("deploying engines: %w", err)
	}
	return nil
}

// deployEngines walks every engine's Deployable entries and uploads (and,
// for archives, unpacks) its binaries into enginesDir/<name> on this
// machine, grounded on linux_deploy_engines/windows_deploy_engines.
func (m *Machine) deployEngines(ctx context.Context, engines []engine.Engine) error {
	for _, eng := range engines {
		if len(eng.Deployable) == 0 {
			continue
		}
		if err := m.deployEngine(ctx, eng); err != nil {
			return fmt.Errorf("engine %s: %w", eng.Name, err)
		}
		m.log.Info().Str("engine", eng.Name).Msg("engine deployed")
	}
	return nil
}

func (m *Machine) deployEngine(ctx context.Context, eng engine.Engine) error {
	remoteDir := path.Join(m.enginesDir, eng.Name)

	sftpCli, err := m.SFTP()
	if err != nil {
		return fmt.Errorf("opening sftp: %w", err)
	}
	defer m.ReleaseSFTP()
	defer sftpCli.Close()

	if err := sftpCli.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("creating %s: %w", remoteDir, err)
	}

	for _, d := range eng.Deployable {
		var derr error
		switch dep := d.(type) {
		case engine.LocalFilesDeploy:
			derr = m.uploadFilesPreservingMode(sftpCli, remoteDir, dep.Files)
		case engine.LocalArchiveDeploy:
			derr = m.deployLocalArchive(ctx, sftpCli, remoteDir, dep.File)
		case engine.RemoteArchiveDeploy:
			derr = m.deployRemoteArchive(ctx, sftpCli, remoteDir, dep.URL)
		}
		if derr != nil {
			return derr
		}
	}
	return nil
}

// uploadFilesPreservingMode uploads each local file under remoteDir,
// keeping its name and local file mode, mirroring asyncssh's
// sftp.put(..., preserve=True).
func (m *Machine) uploadFilesPreservingMode(sftpCli *sftp.Client, remoteDir string, localPaths []string) error {
	for _, lp := range localPaths {
		info, err := os.Stat(lp)
		if err != nil {
			return fmt.Errorf("stat %s: %w", lp, err)
		}
		remotePath := path.Join(remoteDir, filepath.Base(lp))
		if err := m.uploadFile(sftpCli, lp, remotePath); err != nil {
			return err
		}
		if err := sftpCli.Chmod(remotePath, info.Mode()); err != nil {
			return fmt.Errorf("chmod %s: %w", remotePath, err)
		}
	}
	return nil
}

func (m *Machine) uploadFile(sftpCli *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := sftpCli.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", remotePath, err)
	}
	_, werr := io.Copy(dst, src)
	cerr := dst.Close()
	if werr != nil {
		return fmt.Errorf("uploading %s: %w", remotePath, werr)
	}
	if cerr != nil {
		return fmt.Errorf("closing %s: %w", remotePath, cerr)
	}
	return nil
}

// deployLocalArchive uploads a local archive into remoteDir, extracts it
// in place, and removes the uploaded copy.
func (m *Machine) deployLocalArchive(ctx context.Context, sftpCli *sftp.Client, remoteDir, localArchive string) error {
	name := filepath.Base(localArchive)
	remotePath := path.Join(remoteDir, name)

	if err := m.uploadFile(sftpCli, localArchive, remotePath); err != nil {
		return err
	}
	if _, err := m.Run(ctx, m.adapter.ExtractArchive(m.Quote(name)), remoteDir); err != nil {
		return fmt.Errorf("extracting %s: %w", name, err)
	}
	if err := sftpCli.Remove(remotePath); err != nil {
		return fmt.Errorf("removing %s: %w", remotePath, err)
	}
	return nil
}

// deployRemoteArchive downloads url into remoteDir under the platform's
// fixed archive name, extracts it in place, and removes the download.
func (m *Machine) deployRemoteArchive(ctx context.Context, sftpCli *sftp.Client, remoteDir, url string) error {
	name := m.adapter.RemoteArchiveName
	remotePath := path.Join(remoteDir, name)

	if _, err := m.Run(ctx, m.adapter.DownloadArchive(m.Quote(url), m.Quote(name)), remoteDir); err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if _, err := m.Run(ctx, m.adapter.ExtractArchive(m.Quote(name)), remoteDir); err != nil {
		return fmt.Errorf("extracting %s: %w", name, err)
	}
	if err := sftpCli.Remove(remotePath); err != nil {
		return fmt.Errorf("removing %s: %w", remotePath, err)
	}
	return nil
}

// Quote quotes a string for safe inclusion in a shell/PowerShell command
// on this machine's platform.
func (m *Machine) Quote(s string) string { return m.adapter.Quote(s) }

// OccupancyCheck reports whether the given pgrep pattern currently
// matches any process, i.e. whether the engine this task spawned is
// still alive.
func (m *Machine) OccupancyCheck(ctx context.Context, pattern string, full bool) (bool, error) {
	procs, err := m.Pgrep(ctx, pattern, full)
	if err != nil {
		return false, err
	}
	return len(procs) > 0, nil
}

// StartOccupancyCheck polls OccupancyCheck every interval until the
// engine process disappears, then marks the machine idle and returns.
// This implements the exit-on-idle model: the goroutine's only job is to
// flip Meta.busy off; the scheduler's own consume pipeline notices the
// change on its next poll.
func (m *Machine) StartOccupancyCheck(ctx context.Context, pattern string, full bool, interval time.Duration) {
	m.StartOccupancyWatch(ctx, func(ctx context.Context) (bool, error) {
		return m.OccupancyCheck(ctx, pattern, full)
	}, interval)
}

// StartOccupancyCheckCmd is StartOccupancyCheck for engines configured
// with check_cmd/check_cmd_code instead of check_pname: the task is
// still running for as long as running cmd under cwd exits with
// wantCode.
func (m *Machine) StartOccupancyCheckCmd(ctx context.Context, cmd, cwd string, wantCode int, interval time.Duration) {
	m.StartOccupancyWatch(ctx, func(ctx context.Context) (bool, error) {
		_, code, err := m.RunCode(ctx, cmd, cwd)
		if err != nil {
			return false, err
		}
		return code == wantCode, nil
	}, interval)
}

// StartOccupancyWatch polls probe every interval until it reports the
// task no longer running, then marks the machine idle and returns. This
// implements the exit-on-idle model: the goroutine's only job is to flip
// Meta.busy off; the scheduler's own consume pipeline notices the change
// on its next poll.
func (m *Machine) StartOccupancyWatch(ctx context.Context, probe func(context.Context) (bool, error), interval time.Duration) {
	m.Meta.markOccupancyStarted()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				busy, err := probe(ctx)
				if err != nil {
					m.log.Warn().Err(err).Msg("occupancy check failed")
					continue
				}
				if !busy {
					m.Meta.SetBusy(false)
					return
				}
			}
		}
	}()
}

// Before orders machines by FreeSince, for selecting the oldest-idle
// machine first.
func (m *Machine) Before(other *Machine) bool {
	return m.Meta.FreeSince().Before(other.Meta.FreeSince())
}

// Close stops the keepalive loop and closes the SSH connection.
func (m *Machine) Close() error {
	if m.cancelKeepalive != nil {
		m.cancelKeepalive()
	}
	return m.client.Close()
}
