package storage

import (
	"context"
	"fmt"

	"github.com/fruitsalade/workbench/internal/config"
	"github.com/fruitsalade/workbench/internal/storage/local"
	s3backend "github.com/fruitsalade/workbench/internal/storage/s3"
)

// NewMirrorFromConfig creates the configured mirror backend. It returns
// nil, nil when mirroring is disabled.
func NewMirrorFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.MirrorBackend {
	case "":
		return nil, nil
	case "s3":
		b, err := s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "local":
		b, err := local.New(local.Config{RootPath: cfg.MirrorLocalPath, CreateDirs: true})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.MirrorBackend)
	}
}
