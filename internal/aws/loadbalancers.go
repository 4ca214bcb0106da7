package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/gravitational/trace"
)

// LoadBalancersWithInstance returns the names of every classic load
// balancer that has the instance registered, in discovery order.
func (c *Client) LoadBalancersWithInstance(ctx context.Context, instanceID string) ([]string, error) {
	var names []string
	input := &elb.DescribeLoadBalancersInput{}
	for {
		var out *elb.DescribeLoadBalancersOutput
		err := c.call(ctx, "elb:DescribeLoadBalancers", func(ctx context.Context) error {
			var err error
			out, err = c.elb.DescribeLoadBalancers(ctx, input)
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, lb := range out.LoadBalancerDescriptions {
			for _, inst := range lb.Instances {
				if aws.ToString(inst.InstanceId) == instanceID {
					names = append(names, aws.ToString(lb.LoadBalancerName))
					break
				}
			}
		}
		if aws.ToString(out.NextMarker) == "" {
			return names, nil
		}
		input.Marker = out.NextMarker
	}
}

// TargetGroupsWithInstance returns the ARNs of every target group that
// has the instance registered as a target, in discovery order.
func (c *Client) TargetGroupsWithInstance(ctx context.Context, instanceID string) ([]string, error) {
	var arns []string
	input := &elbv2.DescribeTargetGroupsInput{}
	for {
		var out *elbv2.DescribeTargetGroupsOutput
		err := c.call(ctx, "elbv2:DescribeTargetGroups", func(ctx context.Context) error {
			var err error
			out, err = c.elbv2.DescribeTargetGroups(ctx, input)
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, group := range out.TargetGroups {
			arn := aws.ToString(group.TargetGroupArn)
			registered, err := c.targetGroupHasInstance(ctx, arn, instanceID)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if registered {
				arns = append(arns, arn)
			}
		}
		if aws.ToString(out.NextMarker) == "" {
			return arns, nil
		}
		input.Marker = out.NextMarker
	}
}

func (c *Client) targetGroupHasInstance(ctx context.Context, groupARN, instanceID string) (bool, error) {
	var out *elbv2.DescribeTargetHealthOutput
	err := c.call(ctx, "elbv2:DescribeTargetHealth", func(ctx context.Context) error {
		var err error
		out, err = c.elbv2.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
			TargetGroupArn: aws.String(groupARN),
		})
		return err
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	for _, desc := range out.TargetHealthDescriptions {
		if desc.Target != nil && aws.ToString(desc.Target.Id) == instanceID {
			return true, nil
		}
	}
	return false, nil
}

// RegisterInstanceWithLoadBalancer adds the instance to a classic load
// balancer.
func (c *Client) RegisterInstanceWithLoadBalancer(ctx context.Context, instanceID, name string) error {
	err := c.call(ctx, "elb:RegisterInstancesWithLoadBalancer", func(ctx context.Context) error {
		_, err := c.elb.RegisterInstancesWithLoadBalancer(ctx, &elb.RegisterInstancesWithLoadBalancerInput{
			LoadBalancerName: aws.String(name),
			Instances:        []elbtypes.Instance{{InstanceId: aws.String(instanceID)}},
		})
		return err
	})
	return trace.Wrap(err)
}

// DeregisterInstanceFromLoadBalancer removes the instance from a classic
// load balancer.
func (c *Client) DeregisterInstanceFromLoadBalancer(ctx context.Context, instanceID, name string) error {
	err := c.call(ctx, "elb:DeregisterInstancesFromLoadBalancer", func(ctx context.Context) error {
		_, err := c.elb.DeregisterInstancesFromLoadBalancer(ctx, &elb.DeregisterInstancesFromLoadBalancerInput{
			LoadBalancerName: aws.String(name),
			Instances:        []elbtypes.Instance{{InstanceId: aws.String(instanceID)}},
		})
		return err
	})
	return trace.Wrap(err)
}

// RegisterInstanceWithTargetGroup adds the instance as a target of the
// group.
func (c *Client) RegisterInstanceWithTargetGroup(ctx context.Context, instanceID, groupARN string) error {
	err := c.call(ctx, "elbv2:RegisterTargets", func(ctx context.Context) error {
		_, err := c.elbv2.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
			TargetGroupArn: aws.String(groupARN),
			Targets:        []elbv2types.TargetDescription{{Id: aws.String(instanceID)}},
		})
		return err
	})
	return trace.Wrap(err)
}

// DeregisterInstanceFromTargetGroup removes the instance from the group's
// targets.
func (c *Client) DeregisterInstanceFromTargetGroup(ctx context.Context, instanceID, groupARN string) error {
	err := c.call(ctx, "elbv2:DeregisterTargets", func(ctx context.Context) error {
		_, err := c.elbv2.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
			TargetGroupArn: aws.String(groupARN),
			Targets:        []elbv2types.TargetDescription{{Id: aws.String(instanceID)}},
		})
		return err
	})
	return trace.Wrap(err)
}
