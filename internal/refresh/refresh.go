// Package refresh rebuilds a host's machine image from its live root
// volume. The host's database service is stopped and its filesystems are
// frozen for the duration of the capture, so the image is crash-consistent
// without rebooting the instance.
package refresh

import (
	"context"
	"fmt"
	"os/user"
	"regexp"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nimbusops/amicycle/internal/aws"
	"github.com/nimbusops/amicycle/internal/poll"
	"github.com/nimbusops/amicycle/internal/remote"
)

const (
	currentSuffix = "_CURRENT"
	tmpSuffix     = "_TMP"

	// DefaultService is the service stopped for the freeze window.
	DefaultService = "postgresql"
	// DefaultInterval is how often the image name release is re-checked.
	DefaultInterval = 15 * time.Second
)

// DefaultFilesystems lists the mount points frozen when none are
// configured.
var DefaultFilesystems = []string{"/var/opt"}

// hostnamePattern matches the short host name at the front of a fully
// qualified domain name.
var hostnamePattern = regexp.MustCompile(`^[\w-]+`)

// Client is the cloud capability surface the refresher needs.
type Client interface {
	FindRunningInstance(ctx context.Context, name string) (aws.Instance, error)
	FindImageByName(ctx context.Context, name string) (aws.Image, error)
	CopyImage(ctx context.Context, sourceImageID, name string) (string, error)
	CreateImage(ctx context.Context, instanceID, name string) (string, error)
	DeregisterImage(ctx context.Context, imageID string) error
	ImageNameExists(ctx context.Context, name string) (bool, error)
}

// Runner executes commands on the target host over an established
// connection. *remote.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, command string) (remote.Result, error)
}

// Config carries the refresh parameters.
type Config struct {
	// Service is stopped before the freeze and restarted after.
	Service string
	// Filesystems are frozen for the capture, in order, and thawed in
	// reverse order.
	Filesystems []string
	// Operator is the local account the refresh must run as.
	Operator string
	// Interval between image state probes.
	Interval time.Duration
	// Timeout bounds the image name release wait. Zero means the
	// poller's default.
	Timeout time.Duration
}

// Refresher rotates a host's machine image: the previous image is kept
// under the temporary name, the current name is released, and a fresh
// image is captured from the running instance while it is quiesced.
type Refresher struct {
	client Client
	runner Runner
	config Config
	log    log.FieldLogger

	// currentUser is replaced in tests.
	currentUser func() (*user.User, error)
}

// New returns a refresher for the given client and connected runner.
func New(client Client, runner Runner, config Config) (*Refresher, error) {
	if config.Operator == "" {
		return nil, trace.BadParameter("expected operator is required")
	}
	if config.Service == "" {
		config.Service = DefaultService
	}
	if len(config.Filesystems) == 0 {
		config.Filesystems = DefaultFilesystems
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &Refresher{
		client:      client,
		runner:      runner,
		config:      config,
		log:         log.WithField(trace.Component, "refresh"),
		currentUser: user.Current,
	}, nil
}

// Refresh rotates the machine image of the host behind fqdn. The image
// names derive from the host's short name; the FQDN itself is only the
// connection target.
func (r *Refresher) Refresh(ctx context.Context, fqdn string) error {
	host := hostnamePattern.FindString(fqdn)
	if host == "" {
		return trace.BadParameter("cannot derive a host name from %q", fqdn)
	}
	currentName := host + currentSuffix

	current, err := r.client.FindImageByName(ctx, currentName)
	if err != nil {
		return trace.Wrap(err)
	}
	instance, err := r.client.FindRunningInstance(ctx, host)
	if err != nil {
		return trace.Wrap(err)
	}

	backupID, err := r.client.CopyImage(ctx, current.ID, host+tmpSuffix)
	if err != nil {
		return trace.Wrap(err)
	}
	r.log.Infof("Copied image %v to backup %v.", current.ID, backupID)

	if err := r.client.DeregisterImage(ctx, current.ID); err != nil {
		return trace.Wrap(err)
	}
	r.log.Infof("Deregistered image %v.", current.ID)

	waiter := poll.New(r.config.Interval, r.config.Timeout)
	err = waiter.Wait(ctx, fmt.Sprintf("image name %v to be released", currentName),
		func(ctx context.Context) (bool, error) {
			exists, err := r.client.ImageNameExists(ctx, currentName)
			if err != nil {
				return false, trace.Wrap(err)
			}
			return !exists, nil
		})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := r.checkOperator(); err != nil {
		return trace.Wrap(err)
	}
	return r.capture(ctx, instance.ID, currentName)
}

// checkOperator verifies the invoking account matches the configured
// operator before any remote command runs.
func (r *Refresher) checkOperator() error {
	current, err := r.currentUser()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if current.Username != r.config.Operator {
		return trace.BadParameter("refresh must run as %v, not %v",
			r.config.Operator, current.Username)
	}
	return nil
}

// capture quiesces the host, creates the replacement image, and releases
// the host again. The releases are deferred and run on a detached context
// so that neither an error nor a cancellation between acquisition and
// release can leave a filesystem frozen.
func (r *Refresher) capture(ctx context.Context, instanceID, imageName string) error {
	release := context.WithoutCancel(ctx)

	if _, err := r.runner.Run(ctx, remote.StopServiceCommand(r.config.Service)); err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if _, err := r.runner.Run(release, remote.StartServiceCommand(r.config.Service)); err != nil {
			r.log.WithError(err).Errorf("Failed to restart %v.", r.config.Service)
		}
	}()

	for _, filesystem := range r.config.Filesystems {
		if _, err := r.runner.Run(ctx, remote.FreezeCommand(filesystem)); err != nil {
			return trace.Wrap(err)
		}
		defer func(filesystem string) {
			if _, err := r.runner.Run(release, remote.UnfreezeCommand(filesystem)); err != nil {
				r.log.WithError(err).Errorf("Failed to unfreeze %v.", filesystem)
			}
		}(filesystem)
	}

	imageID, err := r.client.CreateImage(ctx, instanceID, imageName)
	if err != nil {
		r.log.WithError(err).Errorf("Failed to create image %v.", imageName)
		return nil
	}
	r.log.Infof("Created image %v (%v).", imageName, imageID)
	return nil
}
