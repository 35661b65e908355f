//go:build !gcp

package casstore

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _, _ string) (Store, error) {
	return nil, fmt.Errorf("casstore: GCS backend is not enabled in this build (use -tags gcp)")
}
