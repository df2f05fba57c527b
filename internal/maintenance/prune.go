// Package maintenance trims the runner's on-disk artifacts: engine logs
// and idle reports, by age and by count.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
)

// Pruner applies the retention policy to one directory of artifacts.
type Pruner struct {
	logger logging.Logger
	now    func() time.Time
}

// NewPruner builds a Pruner.
func NewPruner(logger logging.Logger) *Pruner {
	return &Pruner{logger: logging.OrNop(logger), now: time.Now}
}

// Candidate is one file the policy would delete.
type Candidate struct {
	Path    string
	Size    int64
	ModTime time.Time
	Reason  string
}

// Report summarizes one prune pass.
type Report struct {
	Kept    int
	Pruned  []Candidate
	Skipped int // deletion failures, already logged
}

// Bytes is the total size the pass reclaimed (or would reclaim).
func (r Report) Bytes() int64 {
	var total int64
	for _, c := range r.Pruned {
		total += c.Size
	}
	return total
}

// PruneLogs applies the log retention policy to cfg.LogsDir().
func (p *Pruner) PruneLogs(cfg *config.Config, dryRun bool) (Report, error) {
	m := cfg.Maintenance
	return p.prune(cfg.LogsDir(), ".log", m.LogRetentionDays, m.LogMaxCount, dryRun)
}

// PruneReports applies the report retention policy to cfg.ReportsDir().
func (p *Pruner) PruneReports(cfg *config.Config, dryRun bool) (Report, error) {
	m := cfg.Maintenance
	return p.prune(cfg.ReportsDir(), ".md", m.ReportRetentionDays, m.ReportMaxCount, dryRun)
}

// prune deletes files older than retentionDays, then the oldest beyond
// maxCount. A missing directory is an empty one.
func (p *Pruner) prune(dir, ext string, retentionDays, maxCount int, dryRun bool) (Report, error) {
	var report Report

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("scan %s: %w", dir, err)
	}

	var files []Candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, Candidate{
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	// Newest first, so the count cap keeps the most recent files.
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.After(files[j].ModTime) })

	cutoff := time.Time{}
	if retentionDays > 0 {
		cutoff = p.now().AddDate(0, 0, -retentionDays)
	}

	for i, f := range files {
		switch {
		case !cutoff.IsZero() && f.ModTime.Before(cutoff):
			f.Reason = fmt.Sprintf("older than %dd", retentionDays)
		case maxCount > 0 && i >= maxCount:
			f.Reason = fmt.Sprintf("beyond newest %d", maxCount)
		default:
			report.Kept++
			continue
		}

		if dryRun {
			report.Pruned = append(report.Pruned, f)
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			p.logger.Warn("prune %s: %v", f.Path, err)
			report.Skipped++
			continue
		}
		report.Pruned = append(report.Pruned, f)
	}

	if len(report.Pruned) > 0 {
		verb := "pruned"
		if dryRun {
			verb = "would prune"
		}
		p.logger.Info("%s %d files (%d bytes) from %s", verb, len(report.Pruned), report.Bytes(), dir)
	}
	return report, nil
}
