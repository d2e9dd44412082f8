// Package archive bundles the region logs into compressed tarballs, ships
// them to object storage and prunes old local copies.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
)

const (
	defaultKeepLast = 14
	filePrefix      = "traffic-"
	fileSuffix      = ".tar.gz"
)

// Manager produces archives on demand. The scheduler decides when.
type Manager struct {
	cfg      Config
	files    []string
	uploader Uploader
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewManager initializes the archive manager for files. It returns nil when
// archiving is disabled.
func NewManager(cfg Config, files []string, clock clockwork.Clock, logger *slog.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("archive: no files to archive")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("archive: archive-dir is required when archiving is enabled")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: create archive-dir: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(context.Background(), S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	return &Manager{
		cfg:      cfg,
		files:    files,
		uploader: uploader,
		clock:    clock,
		logger:   logger,
	}, nil
}

// RunOnce writes one archive, uploads it when configured and prunes old
// local copies.
func (m *Manager) RunOnce(ctx context.Context) error {
	name := fmt.Sprintf("%s%s%s", filePrefix, m.clock.Now().UTC().Format("20060102-150405"), fileSuffix)
	localPath := filepath.Join(m.cfg.LocalDir, name)

	n, err := m.writeArchive(localPath)
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	m.logger.Info("archive: created", "path", localPath, "files", n)

	if m.uploader != nil {
		if err := m.uploader.UploadFile(ctx, localPath); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		m.logger.Info("archive: uploaded", "file", name)
	}

	if err := pruneLocalArchives(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return fmt.Errorf("prune local archives: %w", err)
	}
	return nil
}

// writeArchive tars every existing log into path and returns how many were
// included. Logs that have not been created yet are skipped.
func (m *Manager) writeArchive(path string) (int, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	count := 0
	for _, src := range m.files {
		ok, err := addFile(tw, src)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("%s: %w", src, err)
		}
		if ok {
			count++
		}
	}

	if err := errors.Join(tw.Close(), gz.Close()); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return count, os.Rename(tmp, path)
}

// addFile copies src into tw up to its last complete line, so a row being
// appended concurrently is never archived half-written.
func addFile(tw *tar.Writer, src string) (bool, error) {
	data, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		data = nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return false, err
	}

	hdr := &tar.Header{
		Name:    filepath.Base(src),
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return false, err
	}
	if _, err := tw.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

func pruneLocalArchives(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		// timestamp is embedded in filename and lexical sort matches chronology
		return matches[i] > matches[j]
	})

	for _, oldPath := range matches[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
