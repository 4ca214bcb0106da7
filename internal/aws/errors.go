package aws

import (
	"errors"

	"github.com/aws/smithy-go"
)

// transientCodes are API error codes worth retrying. Everything else is
// treated as permanent and surfaced to the caller on the first attempt.
var transientCodes = map[string]bool{
	"Throttling":                true,
	"ThrottlingException":       true,
	"RequestThrottled":          true,
	"RequestThrottledException": true,
	"RequestLimitExceeded":      true,
	"TooManyRequestsException":  true,
	"RequestTimeout":            true,
	"RequestTimeoutException":   true,
	"ServiceUnavailable":        true,
	"InternalError":             true,
	"InternalFailure":           true,
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isTransient(err error) bool {
	return transientCodes[apiErrorCode(err)]
}

// IsSnapshotInUse detects the deletion error EC2 returns for snapshots
// that still back a registered image. The sweep retains those.
func IsSnapshotInUse(err error) bool {
	return apiErrorCode(err) == "InvalidSnapshot.InUse"
}
