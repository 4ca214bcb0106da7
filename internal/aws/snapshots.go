package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/gravitational/trace"
)

// SnapshotPage returns one page of snapshots restorable by the calling
// account plus the token for the next page. An empty token means the
// listing is exhausted. The sweep drives the pagination so it can pace
// itself between pages.
func (c *Client) SnapshotPage(ctx context.Context, pageSize int32, token string) ([]Snapshot, string, error) {
	account, err := c.CallerAccount(ctx)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	input := &ec2.DescribeSnapshotsInput{
		RestorableByUserIds: []string{account},
		MaxResults:          aws.Int32(pageSize),
	}
	if token != "" {
		input.NextToken = aws.String(token)
	}
	var out *ec2.DescribeSnapshotsOutput
	err = c.call(ctx, "ec2:DescribeSnapshots", func(ctx context.Context) error {
		var err error
		out, err = c.ec2.DescribeSnapshots(ctx, input)
		return err
	})
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	snapshots := make([]Snapshot, 0, len(out.Snapshots))
	for _, snap := range out.Snapshots {
		snapshots = append(snapshots, Snapshot{
			ID:      aws.ToString(snap.SnapshotId),
			Name:    nameTag(snap.Tags),
			OwnerID: aws.ToString(snap.OwnerId),
		})
	}
	return snapshots, aws.ToString(out.NextToken), nil
}

// DeleteSnapshot deletes the snapshot. Snapshots still referenced by a
// registered image fail with an in-use error the caller can detect with
// IsSnapshotInUse.
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	err := c.call(ctx, "ec2:DeleteSnapshot", func(ctx context.Context) error {
		_, err := c.ec2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{
			SnapshotId: aws.String(snapshotID),
		})
		return err
	})
	return trace.Wrap(err)
}
