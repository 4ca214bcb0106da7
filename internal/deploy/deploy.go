// Package deploy orchestrates the two halves of a blue/green deployment.
//
// Predeploy takes an instance out of rotation and clears the way for a
// new current-generation image; postdeploy puts the instance back and
// captures the new image. The halves run as separate processes bridged
// by the continuity store, keyed by the build cookie.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nimbusops/amicycle/internal/aws"
	"github.com/nimbusops/amicycle/internal/continuity"
	"github.com/nimbusops/amicycle/internal/poll"
)

// Image name suffixes of the deployment lifecycle. <name>_CURRENT is
// the image in service, <name>_TMP the safety backup of the previous
// generation, reaped later by the sweep.
const (
	currentSuffix = "_CURRENT"
	tmpSuffix     = "_TMP"
)

// Client is the slice of the cloud client the deployment needs.
type Client interface {
	FindRunningInstance(ctx context.Context, name string) (aws.Instance, error)
	LoadBalancersWithInstance(ctx context.Context, instanceID string) ([]string, error)
	TargetGroupsWithInstance(ctx context.Context, instanceID string) ([]string, error)
	RegisterInstanceWithLoadBalancer(ctx context.Context, instanceID, name string) error
	DeregisterInstanceFromLoadBalancer(ctx context.Context, instanceID, name string) error
	RegisterInstanceWithTargetGroup(ctx context.Context, instanceID, groupARN string) error
	DeregisterInstanceFromTargetGroup(ctx context.Context, instanceID, groupARN string) error
	FindImageByName(ctx context.Context, name string) (aws.Image, error)
	CopyImage(ctx context.Context, sourceImageID, name string) (string, error)
	CreateImage(ctx context.Context, instanceID, name string) (string, error)
	DeregisterImage(ctx context.Context, imageID string) error
	ImageNameExists(ctx context.Context, name string) (bool, error)
	ImageAvailable(ctx context.Context, imageID string) (bool, error)
}

// Store persists load-balancer memberships between the two halves.
type Store interface {
	Save(cookie, category string, ids []string) error
	Load(cookie, category string) ([]string, error)
	Cleanup(cookie string) error
}

// Config carries the build identity and poll pacing.
type Config struct {
	// Cookie identifies the build; the postdeploy half reads what the
	// predeploy half wrote under it.
	Cookie string
	// Interval between image polls, poll.DefaultInterval when zero.
	Interval time.Duration
	// Timeout for each image poll, poll.DefaultTimeout when zero.
	Timeout time.Duration
}

// Deployment runs the predeploy and postdeploy halves.
type Deployment struct {
	client Client
	store  Store
	config Config
	log    log.FieldLogger
}

// New builds a deployment. The cookie is mandatory: without it the
// postdeploy half could not find the predeploy half's state.
func New(client Client, store Store, config Config) (*Deployment, error) {
	if config.Cookie == "" {
		return nil, trace.BadParameter("build cookie is required")
	}
	return &Deployment{
		client: client,
		store:  store,
		config: config,
		log:    log.WithField(trace.Component, "deploy"),
	}, nil
}

// Predeploy takes the named instance out of every load balancer and
// target group it serves, records those memberships for postdeploy,
// backs up the current-generation image as <name>_TMP and deregisters
// the original so the name is free for the build's new image.
//
// Memberships are persisted before any deregistration so a crash in
// between still leaves postdeploy enough to restore rotation.
func (d *Deployment) Predeploy(ctx context.Context, name string) error {
	instance, err := d.client.FindRunningInstance(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	d.log.Infof("Predeploy of %v targets instance %v.", name, instance.ID)

	loadBalancers, err := d.client.LoadBalancersWithInstance(ctx, instance.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	targetGroups, err := d.client.TargetGroupsWithInstance(ctx, instance.ID)
	if err != nil {
		return trace.Wrap(err)
	}

	if len(loadBalancers) > 0 {
		if err := d.store.Save(d.config.Cookie, continuity.LoadBalancers, loadBalancers); err != nil {
			return trace.Wrap(err)
		}
	}
	if len(targetGroups) > 0 {
		if err := d.store.Save(d.config.Cookie, continuity.TargetGroups, targetGroups); err != nil {
			return trace.Wrap(err)
		}
	}

	for _, lb := range loadBalancers {
		if err := d.client.DeregisterInstanceFromLoadBalancer(ctx, instance.ID, lb); err != nil {
			return trace.Wrap(err)
		}
		d.log.Infof("Deregistered %v from load balancer %v.", instance.ID, lb)
	}
	for _, arn := range targetGroups {
		if err := d.client.DeregisterInstanceFromTargetGroup(ctx, instance.ID, arn); err != nil {
			return trace.Wrap(err)
		}
		d.log.Infof("Deregistered %v from target group %v.", instance.ID, arn)
	}

	currentName := name + currentSuffix
	current, err := d.client.FindImageByName(ctx, currentName)
	if err != nil {
		return trace.Wrap(err)
	}

	backupID, err := d.client.CopyImage(ctx, current.ID, name+tmpSuffix)
	if err != nil {
		return trace.Wrap(err)
	}
	d.log.Infof("Backing up %v as %v (%v).", current.ID, name+tmpSuffix, backupID)

	// The backup must land before its source goes away: deregistering
	// the source of an in-flight copy can fail the copy.
	waiter := poll.New(d.config.Interval, d.config.Timeout)
	err = waiter.Wait(ctx, fmt.Sprintf("backup image %v to become available", backupID),
		func(ctx context.Context) (bool, error) {
			return d.client.ImageAvailable(ctx, backupID)
		})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := d.client.DeregisterImage(ctx, current.ID); err != nil {
		return trace.Wrap(err)
	}
	d.log.Infof("Deregistered image %v.", current.ID)

	// The build registers its new image under the same name, so wait
	// until the name actually stops resolving.
	waiter = poll.New(d.config.Interval, d.config.Timeout)
	err = waiter.Wait(ctx, fmt.Sprintf("image name %v to be released", currentName),
		func(ctx context.Context) (bool, error) {
			exists, err := d.client.ImageNameExists(ctx, currentName)
			return !exists, err
		})
	return trace.Wrap(err)
}

// Postdeploy restores the memberships recorded by Predeploy, removes
// the continuity files and captures the instance as the new
// <name>_CURRENT image. Missing continuity data means the instance
// simply was not in rotation, not an error.
func (d *Deployment) Postdeploy(ctx context.Context, name string) error {
	instance, err := d.client.FindRunningInstance(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	d.log.Infof("Postdeploy of %v targets instance %v.", name, instance.ID)

	loadBalancers, err := d.store.Load(d.config.Cookie, continuity.LoadBalancers)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, lb := range loadBalancers {
		if err := d.client.RegisterInstanceWithLoadBalancer(ctx, instance.ID, lb); err != nil {
			return trace.Wrap(err)
		}
		d.log.Infof("Registered %v with load balancer %v.", instance.ID, lb)
	}

	targetGroups, err := d.store.Load(d.config.Cookie, continuity.TargetGroups)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, arn := range targetGroups {
		if err := d.client.RegisterInstanceWithTargetGroup(ctx, instance.ID, arn); err != nil {
			return trace.Wrap(err)
		}
		d.log.Infof("Registered %v with target group %v.", instance.ID, arn)
	}

	if err := d.store.Cleanup(d.config.Cookie); err != nil {
		return trace.Wrap(err)
	}

	imageID, err := d.client.CreateImage(ctx, instance.ID, name+currentSuffix)
	if err != nil {
		return trace.Wrap(err)
	}
	d.log.Infof("Created image %v (%v) from %v.", imageID, name+currentSuffix, instance.ID)
	return nil
}
