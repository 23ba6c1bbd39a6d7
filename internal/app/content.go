package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"readbot/internal/config"
	"readbot/internal/content"
	logx "readbot/pkg/logx"
)

// buildContent creates the configured source behind a cache.
func buildContent(ctx context.Context, cfg *config.Config, log logx.Logger) (*content.Cached, error) {
	var src content.Source
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Content.Source)); kind {
	case "dir":
		src = content.DirSource{Dir: cfg.Content.Dir}
	case "s3", "":
		s3c := cfg.Content.S3
		s, err := content.NewS3(ctx, content.S3Config{
			Endpoint:  s3c.Endpoint,
			Region:    s3c.Region,
			Bucket:    s3c.Bucket,
			Prefix:    s3c.Prefix,
			AccessKey: s3c.AccessKey,
			SecretKey: s3c.SecretKey,
			PathStyle: s3c.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("content: %w", err)
		}
		src = s
	default:
		return nil, fmt.Errorf("content.source: unknown kind %q", kind)
	}
	return content.NewCached(src, cfg.CacheTTL(), cfg.Content.CacheMaxItems, log), nil
}

// swapSource lets a reload replace the content source under running jobs.
type swapSource struct {
	cur atomic.Pointer[content.Cached]
}

func newSwapSource(c *content.Cached) *swapSource {
	s := &swapSource{}
	s.cur.Store(c)
	return s
}

func (s *swapSource) List(ctx context.Context) ([]content.Item, error) {
	return s.cur.Load().List(ctx)
}

func (s *swapSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return s.cur.Load().Fetch(ctx, ref)
}

func (s *swapSource) Invalidate() { s.cur.Load().Invalidate() }

func (s *swapSource) Swap(c *content.Cached) { s.cur.Store(c) }
