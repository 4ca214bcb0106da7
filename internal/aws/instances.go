package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/gravitational/trace"
)

// FindRunningInstance returns the first running instance owned by the
// calling account whose Name tag matches exactly. Stopped or terminated
// instances with the name are skipped.
func (c *Client) FindRunningInstance(ctx context.Context, name string) (Instance, error) {
	account, err := c.CallerAccount(ctx)
	if err != nil {
		return Instance{}, trace.Wrap(err)
	}
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("owner-id"),
			Values: []string{account},
		}},
	}
	for {
		var out *ec2.DescribeInstancesOutput
		err := c.call(ctx, "ec2:DescribeInstances", func(ctx context.Context) error {
			var err error
			out, err = c.ec2.DescribeInstances(ctx, input)
			return err
		})
		if err != nil {
			return Instance{}, trace.Wrap(err)
		}
		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				candidate := instanceFromSDK(inst)
				if candidate.Name == name && candidate.Running() {
					return candidate, nil
				}
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return Instance{}, trace.NotFound("no running instance named %q in account %v", name, account)
		}
		input.NextToken = out.NextToken
	}
}

func instanceFromSDK(inst ec2types.Instance) Instance {
	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	return Instance{
		ID:    aws.ToString(inst.InstanceId),
		Name:  nameTag(inst.Tags),
		State: state,
	}
}

// nameTag returns the value of the Name tag, or empty when untagged.
func nameTag(tags []ec2types.Tag) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
