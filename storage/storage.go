package storage

import (
	"context"

	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/share"
)

// Factory builds a share.Store from a string config map (the flattened
// form of the HCL storage block).
type Factory func(ctx context.Context, conf map[string]string, log logger.Logger) (share.Store, error)
