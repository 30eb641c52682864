package library

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"teddybox/internal/container"
	"teddybox/internal/content"
	"teddybox/pkg/models"

	"github.com/sirupsen/logrus"
)

// Describe builds the catalogue row for the asset at path. Paths outside
// the CONTENT/{8 hex}/{8 hex} scheme return content.ErrInvalidPath.
func Describe(path string) (models.Asset, error) {
	id, err := content.ParsePath(path)
	if err != nil {
		return models.Asset{}, err
	}

	report := container.Classify(path)
	if report.Health == container.HealthMissing {
		return models.Asset{}, report.Err
	}

	asset := models.Asset{
		Identity: id.String(),
		FileSize: report.Size,
		Health:   report.Health.String(),
		FilePath: path,
	}
	if report.Header != nil {
		asset.AudioID = report.Header.AudioID
		asset.TotalBytes = int64(report.Header.TotalBytes)
		asset.Chapters = report.Header.ChapterCount()
	}
	if asset.FileSize == 0 {
		if info, err := os.Stat(path); err == nil {
			asset.FileSize = info.Size()
		}
	}
	return asset, nil
}

// AddFile catalogues the asset at path
func (l *Library) AddFile(path string) error {
	asset, err := Describe(path)
	if err != nil {
		return err
	}
	if _, err := l.UpsertAsset(asset); err != nil {
		return err
	}

	l.logger.WithFields(logrus.Fields{
		"identity": asset.Identity,
		"health":   asset.Health,
		"chapters": asset.Chapters,
	}).Info("Catalogued asset")
	return nil
}

// RemoveFile drops the row of the asset at path
func (l *Library) RemoveFile(path string) error {
	id, err := content.ParsePath(path)
	if err != nil {
		return err
	}
	if err := l.RemoveAsset(id.String()); err != nil {
		return err
	}
	l.logger.WithField("identity", id).Info("Removed asset from library")
	return nil
}

// Scan walks root/CONTENT, catalogues every asset found and removes rows
// whose file is gone. It returns the number of assets catalogued.
func (l *Library) Scan(ctx context.Context, root string) (int, error) {
	dir := filepath.Join(root, content.ContentDir)
	l.logger.WithField("content_dir", dir).Info("Scanning content")

	var wg sync.WaitGroup
	var count int64
	jobs := make(chan string, 100)

	for i := 0; i < runtime.NumCPU(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if err := l.AddFile(path); err != nil {
					l.logger.WithError(err).WithField("file_path", path).Warn("Skipping file")
					continue
				}
				atomic.AddInt64(&count, 1)
			}
		}()
	}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() && !isHidden(path) {
			jobs <- path
		}
		return nil
	})
	close(jobs)
	wg.Wait()

	if errors.Is(walkErr, fs.ErrNotExist) {
		walkErr = nil
	}
	if walkErr == nil {
		walkErr = l.prune()
	}

	l.logger.WithField("assets", count).Info("Scan complete")
	return int(count), walkErr
}

// prune removes rows whose file no longer exists
func (l *Library) prune() error {
	assets, err := l.GetAllAssets()
	if err != nil {
		return err
	}
	for _, a := range assets {
		if _, err := os.Stat(a.FilePath); errors.Is(err, fs.ErrNotExist) {
			if err := l.RemoveAsset(a.Identity); err != nil {
				return err
			}
			l.logger.WithField("identity", a.Identity).Info("Pruned missing asset")
		}
	}
	return nil
}

func isHidden(path string) bool {
	name := filepath.Base(path)
	return len(name) > 0 && name[0] == '.'
}
