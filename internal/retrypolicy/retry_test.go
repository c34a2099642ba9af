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

package retrypolicy

import (
	"context"
	"errors"
	"testing"

	"github.com/ubiquiti-community/napi-go/internal/apierror"
)

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return apierror.Wrap(errors.New("timeout"), apierror.KindTransientRetry, "retry me")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestDoDoesNotRetryNonTransientErrors(t *testing.T) {
	attempts := 0
	want := apierror.New(apierror.KindInvalidParams, "bad input")
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return want
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (non-retryable should not retry)", attempts)
	}
}
