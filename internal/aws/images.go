package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// FindImageByName returns the first image owned by the calling account
// whose name matches exactly. Returns a NotFound error when no owned
// image carries the name.
func (c *Client) FindImageByName(ctx context.Context, name string) (Image, error) {
	account, err := c.CallerAccount(ctx)
	if err != nil {
		return Image{}, trace.Wrap(err)
	}
	input := &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("owner-id"),
			Values: []string{account},
		}},
	}
	for {
		var out *ec2.DescribeImagesOutput
		err := c.call(ctx, "ec2:DescribeImages", func(ctx context.Context) error {
			var err error
			out, err = c.ec2.DescribeImages(ctx, input)
			return err
		})
		if err != nil {
			return Image{}, trace.Wrap(err)
		}
		for _, img := range out.Images {
			if aws.ToString(img.Name) == name {
				return imageFromSDK(img), nil
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return Image{}, trace.NotFound("no image named %q owned by account %v", name, account)
		}
		input.NextToken = out.NextToken
	}
}

// OwnedImages returns every image owned by the calling account.
func (c *Client) OwnedImages(ctx context.Context) ([]Image, error) {
	account, err := c.CallerAccount(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	input := &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("owner-id"),
			Values: []string{account},
		}},
	}
	var images []Image
	for {
		var out *ec2.DescribeImagesOutput
		err := c.call(ctx, "ec2:DescribeImages", func(ctx context.Context) error {
			var err error
			out, err = c.ec2.DescribeImages(ctx, input)
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, img := range out.Images {
			images = append(images, imageFromSDK(img))
		}
		if aws.ToString(out.NextToken) == "" {
			return images, nil
		}
		input.NextToken = out.NextToken
	}
}

// CopyImage starts an in-region copy of the source image under the given
// name and returns the new image ID. The copy keeps running after this
// call returns.
func (c *Client) CopyImage(ctx context.Context, sourceImageID, name string) (string, error) {
	var out *ec2.CopyImageOutput
	err := c.call(ctx, "ec2:CopyImage", func(ctx context.Context) error {
		var err error
		out, err = c.ec2.CopyImage(ctx, &ec2.CopyImageInput{
			Name:          aws.String(name),
			SourceImageId: aws.String(sourceImageID),
			SourceRegion:  aws.String(c.cfg.Region),
			Encrypted:     aws.Bool(false),
			ClientToken:   aws.String(uuid.NewString()),
		})
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return aws.ToString(out.ImageId), nil
}

// CreateImage registers a new image from a running instance without
// rebooting it and returns the new image ID.
func (c *Client) CreateImage(ctx context.Context, instanceID, name string) (string, error) {
	var out *ec2.CreateImageOutput
	err := c.call(ctx, "ec2:CreateImage", func(ctx context.Context) error {
		var err error
		out, err = c.ec2.CreateImage(ctx, &ec2.CreateImageInput{
			InstanceId:  aws.String(instanceID),
			Name:        aws.String(name),
			Description: aws.String(fmt.Sprintf("Created from instance: %v", instanceID)),
			NoReboot:    aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return aws.ToString(out.ImageId), nil
}

// DeregisterImage removes the image registration. Snapshots backing the
// image are left in place for the sweep to reap.
func (c *Client) DeregisterImage(ctx context.Context, imageID string) error {
	err := c.call(ctx, "ec2:DeregisterImage", func(ctx context.Context) error {
		_, err := c.ec2.DeregisterImage(ctx, &ec2.DeregisterImageInput{
			ImageId: aws.String(imageID),
		})
		return err
	})
	return trace.Wrap(err)
}

// ImageNameExists reports whether any image with the exact name is still
// registered. Deregistration waits poll this until it flips to false.
func (c *Client) ImageNameExists(ctx context.Context, name string) (bool, error) {
	var out *ec2.DescribeImagesOutput
	err := c.call(ctx, "ec2:DescribeImages", func(ctx context.Context) error {
		var err error
		out, err = c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Filters: []ec2types.Filter{{
				Name:   aws.String("name"),
				Values: []string{name},
			}},
		})
		return err
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return len(out.Images) > 0, nil
}

// FindImageByID returns the image with the given ID, or a NotFound error
// when no such image is registered. The lookup filters instead of passing
// ImageIds because describing an unknown ID by parameter is an API error
// while filtering just returns nothing.
func (c *Client) FindImageByID(ctx context.Context, imageID string) (Image, error) {
	var out *ec2.DescribeImagesOutput
	err := c.call(ctx, "ec2:DescribeImages", func(ctx context.Context) error {
		var err error
		out, err = c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Filters: []ec2types.Filter{{
				Name:   aws.String("image-id"),
				Values: []string{imageID},
			}},
		})
		return err
	})
	if err != nil {
		return Image{}, trace.Wrap(err)
	}
	if len(out.Images) == 0 {
		return Image{}, trace.NotFound("no image with ID %v", imageID)
	}
	return imageFromSDK(out.Images[0]), nil
}

// ImageAvailable reports whether the image exists and has finished
// creating or copying.
func (c *Client) ImageAvailable(ctx context.Context, imageID string) (bool, error) {
	image, err := c.FindImageByID(ctx, imageID)
	if trace.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	return image.Available(), nil
}

func imageFromSDK(img ec2types.Image) Image {
	return Image{
		ID:      aws.ToString(img.ImageId),
		Name:    aws.ToString(img.Name),
		State:   string(img.State),
		OwnerID: aws.ToString(img.OwnerId),
	}
}
