package services

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/shared"
)

const imageAccept = "image/avif,image/webp,image/jpeg,image/png,*/*;q=0.8"

// ImageArchiver stores listing photos locally with bounded concurrency
type ImageArchiver struct {
	client       *http.Client
	dir          string
	timeout      time.Duration
	maxImages    int
	maxDownloads int
	logger       *logrus.Logger
}

func NewImageArchiver(cfg config.PipelineConfig, clients *shared.HTTPClientFactory) *ImageArchiver {
	return &ImageArchiver{
		client:       clients.Client(cfg.ImageTimeout),
		dir:          cfg.ArchiveDir,
		timeout:      cfg.ImageTimeout,
		maxImages:    cfg.MaxImages,
		maxDownloads: cfg.MaxImageDownloads,
		logger:       logrus.StandardLogger(),
	}
}

// Archive downloads up to maxImages photos and returns the paths that were written, in source order.
// Individual download failures are logged and skipped.
func (a *ImageArchiver) Archive(ctx context.Context, listingID int64, imageURLs []string) ([]string, error) {
	if len(imageURLs) == 0 {
		return []string{}, nil
	}
	if a.maxImages > 0 && len(imageURLs) > a.maxImages {
		imageURLs = imageURLs[:a.maxImages]
	}
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return nil, fmt.Errorf("archive: create dir %q: %w", a.dir, err)
	}

	logger := a.logger.WithFields(logrus.Fields{
		"component":  "ImageArchiver",
		"listing_id": listingID,
	})

	type archived struct {
		index int
		path  string
	}
	var (
		mu      sync.Mutex
		results []archived
	)

	pool := shared.NewWorkerPool(a.maxDownloads)
	for i, imageURL := range imageURLs {
		index, source := i, imageURL
		submitted := pool.Submit(ctx, func() {
			path := filepath.Join(a.dir, fmt.Sprintf("listing_%d_%d.jpg", listingID, index))
			if err := a.download(ctx, source, path); err != nil {
				logger.WithError(err).WithField("url", source).Warn("Image download failed")
				return
			}
			mu.Lock()
			results = append(results, archived{index: index, path: path})
			mu.Unlock()
		})
		if !submitted {
			break
		}
	}
	pool.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	paths := make([]string, 0, len(results))
	for _, r := range results {
		paths = append(paths, r.path)
	}

	logger.WithFields(logrus.Fields{
		"requested": len(imageURLs),
		"archived":  len(paths),
	}).Info("Archived listing images")
	return paths, nil
}

func (a *ImageArchiver) download(ctx context.Context, source, path string) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	body, err := shared.FetchWithRetry(ctx, a.client, source, imageAccept, 0)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("empty image body")
	}
	return os.WriteFile(path, body, 0644)
}
