package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// RetentionPolicy decides which finished runs to keep.
type RetentionPolicy interface {
	Apply(runs []Run) (keep []Run)
}

// CountPolicy keeps the N most recent runs.
type CountPolicy struct {
	MaxCount int
}

// Apply keeps the first MaxCount runs (assumed sorted newest-first).
func (p *CountPolicy) Apply(runs []Run) []Run {
	if len(runs) <= p.MaxCount {
		return runs
	}
	return runs[:p.MaxCount]
}

// AgePolicy keeps runs started within MaxAge.
type AgePolicy struct {
	MaxAge time.Duration

	now func() time.Time
}

// Apply keeps runs whose StartedAt is within MaxAge of now.
func (p *AgePolicy) Apply(runs []Run) []Run {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []Run
	for _, r := range runs {
		if r.StartedAt.After(cutoff) {
			keep = append(keep, r)
		}
	}
	return keep
}

// AllPolicy keeps a run only if EVERY sub-policy keeps it (intersection).
type AllPolicy struct {
	Policies []RetentionPolicy
}

// Apply returns the runs every sub-policy keeps, in input order.
func (p *AllPolicy) Apply(runs []Run) []Run {
	votes := make(map[string]int, len(runs))
	for _, policy := range p.Policies {
		for _, r := range policy.Apply(runs) {
			votes[r.ID]++
		}
	}

	var keep []Run
	for _, r := range runs {
		if votes[r.ID] == len(p.Policies) {
			keep = append(keep, r)
		}
	}
	return keep
}

// Prune deletes the runs policy does not keep, with their scenarios, steps
// and results. Runs still marked running are never deleted. It returns the
// deleted run IDs.
func (l *Ledger) Prune(ctx context.Context, policy RetentionPolicy) ([]string, error) {
	runs, err := l.ListRuns(ctx, 0)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	for _, r := range policy.Apply(runs) {
		keep[r.ID] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var deleted []string
	for _, r := range runs {
		if keep[r.ID] || r.Status == RunRunning {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, r.ID); err != nil {
			return nil, fmt.Errorf("deleting run %s: %w", r.ID, err)
		}
		deleted = append(deleted, r.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prune: %w", err)
	}
	return deleted, nil
}

// ParseAge parses age strings like "30d", "2w", "720h".
func ParseAge(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty age string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid age: %q", s)
	}

	suffix := s[len(s)-1]
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid age: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown age suffix %q in %q", string(suffix), s)
	}
}
