package responder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrFileNotFound         = errors.New("file not found")
	ErrPathTraversalAttempt = errors.New("path traversal attempt detected")
	ErrNotRegularFile       = errors.New("file id does not name a regular file")
	ErrRangeOutOfBounds     = errors.New("requested range is out of bounds for the file")
	ErrRangeTooLarge        = errors.New("requested range exceeds the maximum range length")
)

// File est un fichier servi, ouvert en lecture.
type File interface {
	io.ReadSeekCloser
	Size() (int64, error)
}

// FileProvider résout un file id en fichier ouvert.
type FileProvider interface {
	Open(fileID string) (File, error)
}

type diskFileProvider struct {
	baseDataDir string
	logger      *slog.Logger
}

// NewDiskFileProvider sert les fichiers situés sous baseDir.
func NewDiskFileProvider(baseDir string, logger *slog.Logger) FileProvider {
	if logger == nil {
		logger = slog.Default().With("component", "disk_file_provider")
	}
	return &diskFileProvider{baseDataDir: baseDir, logger: logger}
}

// getSafeFilePath nettoie le file id et vérifie qu'il reste sous le répertoire servi.
func (p *diskFileProvider) getSafeFilePath(fileID string) (string, error) {
	if fileID == "" || strings.Contains(fileID, "..") || strings.HasPrefix(fileID, "/") || strings.HasPrefix(fileID, "\\") {
		p.logger.Warn("Potential path traversal attempt or invalid file id", "raw_file_id", fileID)
		return "", ErrPathTraversalAttempt
	}

	absBaseDir, err := filepath.Abs(p.baseDataDir)
	if err != nil {
		return "", fmt.Errorf("resolve base data directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absBaseDir, filepath.FromSlash(fileID)))
	if err != nil {
		return "", fmt.Errorf("resolve requested file path: %w", err)
	}

	// Le préfixe seul ne suffit pas : /data/root2 commence par /data/root.
	if absPath == absBaseDir || !strings.HasPrefix(absPath, absBaseDir+string(filepath.Separator)) {
		p.logger.Warn("Resolved path outside base directory",
			"raw_file_id", fileID, "base_dir", absBaseDir, "resolved_path", absPath)
		return "", ErrPathTraversalAttempt
	}
	return absPath, nil
}

func (p *diskFileProvider) Open(fileID string) (File, error) {
	path, err := p.getSafeFilePath(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
		}
		return nil, fmt.Errorf("open file %s for read: %w", fileID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file %s: %w", fileID, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotRegularFile, fileID)
	}
	return diskFile{f}, nil
}

type diskFile struct{ *os.File }

func (f diskFile) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
