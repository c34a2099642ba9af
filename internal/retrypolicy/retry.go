/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retrypolicy implements §4.I's failure/retry orchestration:
// transient adapter errors retried up to N=3 with exponential backoff for
// idempotent reads and for put/batch attempts that re-read the etag before
// replay; EtagConflict, InvalidParams, and BucketNotFound are never
// retried here.
//
// Grounded in the teacher's reconciler requeue-on-transient-error pattern
// (pkg/ipamutil/reconciler.go wraps errors with pkg/errors and lets
// controller-runtime's exponential backoff requeue); here the same shape is
// made explicit and synchronous via avast/retry-go/v4, since napi has no
// controller-runtime work queue to lean on.
package retrypolicy

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	pkgerrors "github.com/pkg/errors"

	"github.com/ubiquiti-community/napi-go/internal/apierror"
)

// MaxAttempts is §4.I's N=3 retry bound for transient adapter errors.
const MaxAttempts = 3

// Do runs fn, retrying up to MaxAttempts times with exponential backoff only
// when fn's error is a TransientRetryable apierror; any other error (or
// exhaustion) is returned immediately.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(MaxAttempts),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return pkgerrors.Wrap(err, "operation failed after retry")
	}
	return nil
}

func isRetryable(err error) bool {
	return apierror.Is(err, apierror.KindTransientRetry)
}
