// Package remote executes single shell commands on a host over SSH.
//
// The refresh workflow drives service stops and filesystem freezes
// through it. Commands run under a PTY because they are sudo
// invocations, and each Run is bounded by an output wait so a hung
// remote command cannot stall a freeze window.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultOutputWait bounds how long a single command may keep its
	// session open before it is force-closed.
	DefaultOutputWait = 8 * time.Second

	defaultPort        = 22
	defaultDialTimeout = 30 * time.Second
)

// Result is the outcome of one remote command.
type Result struct {
	Stdout string
	Stderr string
	// Completed is false when the output wait expired and the session
	// was force-closed with the command still running.
	Completed bool
}

// Failed reports whether the command wrote to stderr. Callers log this
// as a failure indicator but do not abort on it: a misleading stderr
// line must never leave a filesystem frozen.
func (r Result) Failed() bool {
	return r.Stderr != ""
}

// Config describes the SSH target.
type Config struct {
	// Host is the address to dial, typically the FQDN.
	Host string
	// Port defaults to 22.
	Port int
	// User is the login account.
	User string
	// KeyFile is the path to the private key.
	KeyFile string
	// OutputWait bounds each command, DefaultOutputWait when zero.
	OutputWait time.Duration
	// DialTimeout bounds the connection attempt, 30s when zero.
	DialTimeout time.Duration
}

// Runner holds one SSH connection and runs one command per call.
type Runner struct {
	host        string
	port        int
	user        string
	signer      ssh.Signer
	outputWait  time.Duration
	dialTimeout time.Duration
	client      *ssh.Client
	log         log.FieldLogger
}

// NewRunner parses the private key and prepares a runner. Connect
// establishes the session transport.
func NewRunner(config Config) (*Runner, error) {
	key, err := os.ReadFile(config.KeyFile)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key %v", config.KeyFile)
	}

	port := config.Port
	if port == 0 {
		port = defaultPort
	}
	outputWait := config.OutputWait
	if outputWait == 0 {
		outputWait = DefaultOutputWait
	}
	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}

	return &Runner{
		host:        config.Host,
		port:        port,
		user:        config.User,
		signer:      signer,
		outputWait:  outputWait,
		dialTimeout: dialTimeout,
		log:         log.WithField(trace.Component, "ssh"),
	}, nil
}

// Connect establishes the SSH connection.
func (r *Runner) Connect(ctx context.Context) error {
	config := &ssh.ClientConfig{
		User: r.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(r.signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.dialTimeout,
	}

	addr := net.JoinHostPort(r.host, strconv.Itoa(r.port))
	r.log.Debugf("Connecting to %v@%v.", r.user, addr)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return trace.Wrap(err, "dialing %v", addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return trace.Wrap(err, "establishing SSH connection to %v", addr)
	}

	r.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

// Close closes the SSH connection.
func (r *Runner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Run executes one command and waits up to the output wait for it to
// finish. Past the bound the session is force-closed and the partial
// output is returned with Completed false. A non-zero exit status is
// reported through the captured stderr, not as an error.
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	if r.client == nil {
		return Result{}, trace.BadParameter("not connected")
	}

	session, err := r.client.NewSession()
	if err != nil {
		return Result{}, trace.Wrap(err, "creating session")
	}
	defer session.Close()

	// The commands are sudo invocations, which want a terminal.
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
		return Result{}, trace.Wrap(err, "requesting pty")
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	r.log.Infof("Running %q on %v.", command, r.host)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(r.outputWait)
	defer timer.Stop()

	result := Result{Completed: true}
	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return Result{}, trace.Wrap(err, "running %q", command)
		}
		if exitErr != nil {
			r.log.Warnf("Command %q exited with status %v.", command, exitErr.ExitStatus())
		}
	case <-timer.C:
		r.log.Warnf("No exit from %q within %v, closing the session.", command, r.outputWait)
		session.Close()
		<-done
		result.Completed = false
	case <-ctx.Done():
		session.Close()
		<-done
		return Result{}, trace.Wrap(ctx.Err())
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if result.Failed() {
		r.log.Warnf("Command %q reported: %v", command, result.Stderr)
	}
	return result, nil
}

// StopServiceCommand builds the init-script invocation that stops a
// service.
func StopServiceCommand(service string) string {
	return fmt.Sprintf("sudo service %s stop", service)
}

// StartServiceCommand builds the init-script invocation that starts a
// service.
func StartServiceCommand(service string) string {
	return fmt.Sprintf("sudo service %s start", service)
}

// FreezeCommand builds the fsfreeze invocation that suspends writes to
// a mounted filesystem.
func FreezeCommand(filesystem string) string {
	return fmt.Sprintf("sudo fsfreeze --freeze %s", filesystem)
}

// UnfreezeCommand builds the fsfreeze invocation that resumes writes.
func UnfreezeCommand(filesystem string) string {
	return fmt.Sprintf("sudo fsfreeze --unfreeze %s", filesystem)
}
