package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CleanupReport summarizes a weekly backup cleanup.
type CleanupReport struct {
	Kind       Kind      `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cutoff     time.Time `json:"cutoff"`
	Deleted    int       `json:"deleted"`
	FreedBytes int64     `json:"freed_bytes"`
	Failed     int       `json:"failed"`
	Partial    bool      `json:"partial"`
	Skipped    bool      `json:"skipped"`
}

// RunWeekly deletes artifact backups older than the retention window.
// Files that cannot be read or removed are logged and skipped.
func (s *Scheduler) RunWeekly(ctx context.Context) (CleanupReport, error) {
	release, err := s.acquire(KindWeekly)
	if err != nil {
		return CleanupReport{Kind: KindWeekly, Skipped: true}, err
	}
	defer release()

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	now := s.now()
	report := CleanupReport{Kind: KindWeekly, StartedAt: now, Cutoff: now.Add(-s.opts.BackupRetention)}

	walkErr := filepath.WalkDir(s.opts.BackupDir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.Partial = true
			return fs.SkipAll
		}
		if err != nil {
			if path == s.opts.BackupDir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			report.Failed++
			s.log.Warn().Err(err).Str("path", path).Msg("Cannot read backup entry, skipping.")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			report.Failed++
			s.log.Warn().Err(err).Str("path", path).Msg("Cannot stat backup, skipping.")
			return nil
		}
		if !info.ModTime().Before(report.Cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			report.Failed++
			s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete backup, skipping.")
			return nil
		}
		report.Deleted++
		report.FreedBytes += info.Size()
		return nil
	})
	if walkErr != nil {
		s.log.Warn().Err(walkErr).Msg("Backup walk ended early.")
	}

	report.FinishedAt = s.now()
	s.log.Info().
		Int("deleted", report.Deleted).
		Int64("freed_bytes", report.FreedBytes).
		Int("failed", report.Failed).
		Msg("Weekly cleanup finished.")
	return report, nil
}
