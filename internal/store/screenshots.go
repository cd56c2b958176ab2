package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// screenshotsDir returns the root of the screenshot blob tree.
func (s *Store) screenshotsDir() string {
	return filepath.Join(s.stateDir, "screenshots")
}

// SaveScreenshot writes a captured element screenshot under
// <state dir>/screenshots/<session>/<capture>.png and returns the path.
func (s *Store) SaveScreenshot(sessionID, captureID string, png []byte) (string, error) {
	dir := filepath.Join(s.screenshotsDir(), sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, captureID+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

// ReapScreenshots deletes screenshot files older than ttl and removes
// session directories left empty. Missing tree is not an error.
func (s *Store) ReapScreenshots(ttl time.Duration) error {
	root := s.screenshotsDir()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-ttl)
	reaped := 0
	for _, sessionDir := range entries {
		if !sessionDir.IsDir() {
			continue
		}
		dirPath := filepath.Join(root, sessionDir.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		remaining := 0
		for _, file := range files {
			info, err := file.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(dirPath, file.Name())); err == nil {
					reaped++
					continue
				}
			}
			remaining++
		}
		if remaining == 0 {
			_ = os.Remove(dirPath)
		}
	}
	if reaped > 0 {
		s.logger.Info("reaped expired screenshots", zap.Int("count", reaped))
	}
	return nil
}

// StartScreenshotReaper runs ReapScreenshots immediately and then hourly
// until ctx is cancelled.
func (s *Store) StartScreenshotReaper(ctx context.Context, ttl time.Duration) {
	if err := s.ReapScreenshots(ttl); err != nil {
		s.logger.WithError(err).Warn("screenshot reap failed")
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.ReapScreenshots(ttl); err != nil {
					s.logger.WithError(err).Warn("screenshot reap failed")
				}
			}
		}
	}()
}
