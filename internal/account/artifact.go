package account

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrArtifactMissing is returned when a session's artifact file is gone.
var ErrArtifactMissing = errors.New("credential artifact missing")

// ArtifactStore keeps session artifacts on disk, one file per account.
// Overwritten or removed artifacts are moved into the backup directory.
type ArtifactStore struct {
	dir       string
	backupDir string
	now       func() time.Time
}

// NewArtifactStore creates the artifact and backup directories if needed.
func NewArtifactStore(dir, backupDir string) (*ArtifactStore, error) {
	for _, d := range []string{dir, backupDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, err
		}
	}
	return &ArtifactStore{dir: dir, backupDir: backupDir, now: time.Now}, nil
}

// BackupDir returns the directory holding artifact backups.
func (s *ArtifactStore) BackupDir() string {
	return s.backupDir
}

// Save writes the artifact and returns its reference. An existing artifact
// for the same account is backed up first.
func (s *ArtifactStore) Save(platform Platform, id string, data []byte) (string, error) {
	ref := filepath.ToSlash(filepath.Join(string(platform), id+".json"))
	path, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.backup(ref, path); err != nil {
			return "", fmt.Errorf("backup artifact: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return ref, nil
}

// Load reads an artifact.
func (s *ArtifactStore) Load(ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, ref)
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether the artifact file is present.
func (s *ArtifactStore) Exists(ref string) bool {
	path, err := s.path(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove moves the artifact into the backup directory.
func (s *ArtifactStore) Remove(ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.backup(ref, path)
}

func (s *ArtifactStore) backup(ref, path string) error {
	now := s.now()
	base := strings.TrimSuffix(filepath.FromSlash(ref), ".json")
	dst := filepath.Join(s.backupDir, fmt.Sprintf("%s.%s.json", base, now.UTC().Format("20060102T150405.000000000")))
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	if err := os.Rename(path, dst); err != nil {
		return err
	}
	// Retention is measured from when the backup was taken, not from the
	// artifact's last write.
	return os.Chtimes(dst, now, now)
}

func (s *ArtifactStore) path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	return filepath.Join(s.dir, clean), nil
}
