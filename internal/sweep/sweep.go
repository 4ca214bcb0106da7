// Package sweep reclaims leftovers of the image lifecycle: EBS snapshots
// orphaned by image deregistration and temporary images left behind by
// interrupted deployments.
package sweep

import (
	"context"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nimbusops/amicycle/internal/aws"
)

// Defaults for the sweep policy knobs.
const (
	DefaultProtectedMarker = "_BACKUP"
	DefaultTempMarker      = "_TMP"
	DefaultPageSize        = 5
	DefaultPageWait        = 10 * time.Second
)

// Client is the slice of the cloud client the sweep needs.
type Client interface {
	CallerAccount(ctx context.Context) (string, error)
	SnapshotPage(ctx context.Context, pageSize int32, token string) ([]aws.Snapshot, string, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	OwnedImages(ctx context.Context) ([]aws.Image, error)
	DeregisterImage(ctx context.Context, imageID string) error
}

// Config tunes the sweep policy.
type Config struct {
	// ProtectedMarker shields snapshots whose Name tag contains it.
	ProtectedMarker string
	// TempMarker selects images to deregister by name substring.
	TempMarker string
	// PageSize is the snapshot listing page size.
	PageSize int32
	// PageWait spaces out snapshot pages as API-rate relief.
	PageWait time.Duration
}

// Sweeper runs the two garbage-collection passes against one account.
type Sweeper struct {
	client Client
	config Config
	sleep  func(time.Duration)
	log    log.FieldLogger
}

// New builds a sweeper, substituting defaults for zero config values.
// Marker defaults matter: an empty marker matches every name.
func New(client Client, config Config) *Sweeper {
	if config.ProtectedMarker == "" {
		config.ProtectedMarker = DefaultProtectedMarker
	}
	if config.TempMarker == "" {
		config.TempMarker = DefaultTempMarker
	}
	if config.PageSize == 0 {
		config.PageSize = DefaultPageSize
	}
	if config.PageWait == 0 {
		config.PageWait = DefaultPageWait
	}
	return &Sweeper{
		client: client,
		config: config,
		sleep:  time.Sleep,
		log:    log.WithField(trace.Component, "sweep"),
	}
}

// SnapshotReport lists the outcome of a snapshot sweep.
type SnapshotReport struct {
	Deleted  []string
	Retained []string
}

// SweepSnapshots deletes every snapshot restorable by this account that
// is owned by it and not name-protected. A snapshot still referenced by
// a registered image is retained; it becomes deletable once the image
// sweep or a later run has deregistered the image. Any other delete
// failure aborts the sweep.
func (s *Sweeper) SweepSnapshots(ctx context.Context) (SnapshotReport, error) {
	var report SnapshotReport
	account, err := s.client.CallerAccount(ctx)
	if err != nil {
		return report, trace.Wrap(err)
	}

	token := ""
	for {
		snapshots, next, err := s.client.SnapshotPage(ctx, s.config.PageSize, token)
		if err != nil {
			return report, trace.Wrap(err)
		}
		for _, snapshot := range snapshots {
			protected := strings.Contains(snapshot.Name, s.config.ProtectedMarker)
			owned := snapshot.OwnerID == account
			if protected || !owned {
				s.log.Infof("Retaining snapshot %v (protected=%v, owned=%v).", snapshot.ID, protected, owned)
				report.Retained = append(report.Retained, snapshot.ID)
				continue
			}
			switch err := s.client.DeleteSnapshot(ctx, snapshot.ID); {
			case err == nil:
				s.log.Infof("Deleted snapshot %v.", snapshot.ID)
				report.Deleted = append(report.Deleted, snapshot.ID)
			case aws.IsSnapshotInUse(err):
				s.log.Infof("Snapshot %v is in use, intentionally not deleted.", snapshot.ID)
				report.Retained = append(report.Retained, snapshot.ID)
			default:
				return report, trace.Wrap(err)
			}
		}
		if next == "" {
			return report, nil
		}
		token = next
		s.sleep(s.config.PageWait)
	}
}

// ImageReport lists the outcome of an image sweep.
type ImageReport struct {
	Deregistered []string
	Retained     []string
}

// SweepImages deregisters every image owned by the account whose name
// contains the temp marker. Each image gets exactly one attempt; a
// failure is logged and the image retained for the next run.
func (s *Sweeper) SweepImages(ctx context.Context) (ImageReport, error) {
	var report ImageReport
	images, err := s.client.OwnedImages(ctx)
	if err != nil {
		return report, trace.Wrap(err)
	}
	for _, image := range images {
		if !strings.Contains(image.Name, s.config.TempMarker) {
			s.log.Debugf("Ignoring image %v (%v).", image.ID, image.Name)
			continue
		}
		if err := s.client.DeregisterImage(ctx, image.ID); err != nil {
			s.log.WithError(err).Warnf("Failed to deregister image %v (%v).", image.ID, image.Name)
			report.Retained = append(report.Retained, image.ID)
			continue
		}
		s.log.Infof("Deregistered image %v (%v).", image.ID, image.Name)
		report.Deregistered = append(report.Deregistered, image.ID)
	}
	return report, nil
}
