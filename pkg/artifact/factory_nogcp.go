//go:build !gcp

package artifact

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return nil, fmt.Errorf("artifact: GCS storage is not enabled in this build (use -tags gcp)")
}
