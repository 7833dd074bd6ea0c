package aws

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfeidau/sessiond/internal/store"
)

// wrapAWSError wraps AWS SDK errors, marking throttling and transport failures
// as store.ErrStoreUnavailable so callers can tell them from data errors.
func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	// Check for DynamoDB throttling errors
	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrStoreUnavailable, err)
	}

	var internalErr *types.InternalServerError
	if errors.As(err, &internalErr) {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrStoreUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrStoreUnavailable, err)
	}

	// AWS SDK v2 doesn't always use typed errors for throttling
	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "RequestLimitExceeded") ||
		strings.Contains(errMsg, "TooManyRequestsException") ||
		strings.Contains(errMsg, "Throttling") {
		return fmt.Errorf("%s: %w: %v", msg, store.ErrStoreUnavailable, err)
	}

	// Wrap other AWS errors
	return fmt.Errorf("%s: %w", msg, err)
}

// isConditionFailed reports whether a conditional write was rejected.
func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}
