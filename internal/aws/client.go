package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// ec2API is the subset of the EC2 service the workflows use. Tests
// substitute fakes for it.
type ec2API interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	CopyImage(ctx context.Context, params *ec2.CopyImageInput, optFns ...func(*ec2.Options)) (*ec2.CopyImageOutput, error)
	CreateImage(ctx context.Context, params *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

type elbAPI interface {
	DescribeLoadBalancers(ctx context.Context, params *elb.DescribeLoadBalancersInput, optFns ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error)
	RegisterInstancesWithLoadBalancer(ctx context.Context, params *elb.RegisterInstancesWithLoadBalancerInput, optFns ...func(*elb.Options)) (*elb.RegisterInstancesWithLoadBalancerOutput, error)
	DeregisterInstancesFromLoadBalancer(ctx context.Context, params *elb.DeregisterInstancesFromLoadBalancerInput, optFns ...func(*elb.Options)) (*elb.DeregisterInstancesFromLoadBalancerOutput, error)
}

type elbv2API interface {
	DescribeTargetGroups(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	DescribeTargetHealth(ctx context.Context, params *elbv2.DescribeTargetHealthInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error)
	RegisterTargets(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, params *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Client wraps the AWS service clients behind the small set of operations
// the sweep, deploy and refresh workflows need.
type Client struct {
	cfg     aws.Config
	profile string
	account string
	ec2     ec2API
	elb     elbAPI
	elbv2   elbv2API
	sts     stsAPI
	log     log.FieldLogger
}

// NewClient builds a client from the default credential chain.
func NewClient(ctx context.Context, region string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, baseOptions(region)...)
	if err != nil {
		return nil, trace.Wrap(err, "loading SDK config")
	}
	return newFromConfig(cfg, ""), nil
}

// NewClientWithProfile builds a client for a named profile. Credentials
// come from the AWS CLI when it is installed, which keeps SSO profiles
// working, with the shared-config chain as the fallback.
func NewClientWithProfile(ctx context.Context, profile, region string) (*Client, error) {
	if profile == "" {
		return NewClient(ctx, region)
	}

	creds, err := getCredentialsFromCLI(ctx, profile)
	if err != nil {
		cfg, err := config.LoadDefaultConfig(ctx, append(baseOptions(region),
			config.WithSharedConfigProfile(profile),
		)...)
		if err != nil {
			return nil, trace.Wrap(err, "loading SDK config for profile %v", profile)
		}
		return newFromConfig(cfg, profile), nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, append(baseOptions(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyId,
			creds.SecretAccessKey,
			creds.SessionToken,
		)),
		config.WithSharedConfigProfile(profile),
	)...)
	if err != nil {
		return nil, trace.Wrap(err, "loading SDK config with CLI credentials for profile %v", profile)
	}
	return newFromConfig(cfg, profile), nil
}

// baseOptions pins SDK-level retries to a single attempt. The call
// wrapper owns retries so the two layers do not stack.
func baseOptions(region string) []func(*config.LoadOptions) error {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(1),
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	return opts
}

func newFromConfig(cfg aws.Config, profile string) *Client {
	return &Client{
		cfg:     cfg,
		profile: profile,
		ec2:     ec2.NewFromConfig(cfg),
		elb:     elb.NewFromConfig(cfg),
		elbv2:   elbv2.NewFromConfig(cfg),
		sts:     sts.NewFromConfig(cfg),
		log:     log.WithField(trace.Component, "aws"),
	}
}

// Region returns the region the client resolved at construction time.
func (c *Client) Region() string {
	return c.cfg.Region
}

// CallerAccount resolves the account ID of the calling identity. The
// result is cached for the lifetime of the client.
func (c *Client) CallerAccount(ctx context.Context) (string, error) {
	if c.account != "" {
		return c.account, nil
	}
	var out *sts.GetCallerIdentityOutput
	err := c.call(ctx, "sts:GetCallerIdentity", func(ctx context.Context) error {
		var err error
		out, err = c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	c.account = aws.ToString(out.Account)
	return c.account, nil
}

// awsCredentialsFromCLI represents AWS credentials returned by CLI
type awsCredentialsFromCLI struct {
	Version         int    `json:"Version"`
	AccessKeyId     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

// getCredentialsFromCLI uses AWS CLI to get fresh credentials for the profile
func getCredentialsFromCLI(ctx context.Context, profile string) (*awsCredentialsFromCLI, error) {
	// For SSO profiles, use export-credentials with process format
	cmd := exec.CommandContext(ctx, "aws", "configure", "export-credentials", "--profile", profile, "--format", "process")
	cmd.Env = append(os.Environ(), fmt.Sprintf("AWS_PROFILE=%s", profile))

	output, err := cmd.Output()
	if err != nil {
		return nil, trace.Wrap(err, "getting credentials from the AWS CLI")
	}

	var creds awsCredentialsFromCLI
	if err := json.Unmarshal(output, &creds); err != nil {
		return nil, trace.Wrap(err, "parsing AWS CLI credentials response")
	}

	return &creds, nil
}
