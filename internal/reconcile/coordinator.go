// Package reconcile repairs drift between the user directory and the
// realtime store: legacy chat ids still pointing at pre-migration rooms, and
// duplicate accounts sharing an email. Every pass is idempotent so it can run
// on demand or on a timer without coordination.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"vecinal/api/internal/chatid"
	"vecinal/api/internal/realtime"
	"vecinal/api/internal/store"
)

// directory is the durable side of the reconciliation.
type directory interface {
	ListOnboarded(ctx context.Context) ([]store.Membership, error)
	SetChatID(ctx context.Context, userID, chatID string) error
	ClearMembership(ctx context.Context, userID string) error
	DuplicateEmailGroups(ctx context.Context) ([][]store.User, error)
}

type Coordinator struct {
	dir directory
	rt  *realtime.Store
}

func NewCoordinator(dir directory, rt *realtime.Store) *Coordinator {
	return &Coordinator{dir: dir, rt: rt}
}

type Report struct {
	Migrated           int `json:"migrated"`
	Merged             int `json:"merged"`
	DuplicatesResolved int `json:"duplicatesResolved"`
}

// Run executes a full pass: legacy id migration first so duplicate
// resolution already sees canonical chat ids.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	var report Report
	migrated, merged, err := c.MigrateLegacyIDs(ctx)
	if err != nil {
		return report, err
	}
	report.Migrated, report.Merged = migrated, merged

	resolved, err := c.ResolveDuplicates(ctx)
	if err != nil {
		return report, err
	}
	report.DuplicatesResolved = resolved
	return report, nil
}

// MigrateLegacyIDs moves every member still on a random hex chat id over to
// the deterministic id derived from their neighborhood. The realtime store
// is migrated before the directory row so a crash mid-member leaves the old
// pointer valid and the pass resumable.
func (c *Coordinator) MigrateLegacyIDs(ctx context.Context) (migrated, merged int, err error) {
	members, err := c.dir.ListOnboarded(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list members: %w", err)
	}

	for _, m := range members {
		if !chatid.IsLegacyID(m.ChatID) {
			// Already canonical; make sure membership in the room itself holds.
			if err := c.rt.AddParticipant(ctx, m.ChatID, m.UserID); err != nil {
				return migrated, merged, fmt.Errorf("ensure participant %s in %s: %w", m.UserID, m.ChatID, err)
			}
			continue
		}

		newID := chatid.Resolve(m.Neighborhood)
		oldExists, err := c.rt.ChatExists(ctx, m.ChatID)
		if err != nil {
			return migrated, merged, err
		}
		newExists, err := c.rt.ChatExists(ctx, newID)
		if err != nil {
			return migrated, merged, err
		}

		switch {
		case oldExists && newExists:
			if err := c.rt.MergeChat(ctx, m.ChatID, newID); err != nil {
				return migrated, merged, fmt.Errorf("merge %s into %s: %w", m.ChatID, newID, err)
			}
			merged++
		case oldExists:
			if err := c.rt.EnsureChat(ctx, newID, m.Neighborhood); err != nil {
				return migrated, merged, err
			}
			if err := c.rt.MergeChat(ctx, m.ChatID, newID); err != nil {
				return migrated, merged, fmt.Errorf("rename %s to %s: %w", m.ChatID, newID, err)
			}
		default:
			// The legacy room never materialized; start the member fresh.
			if err := c.rt.EnsureChat(ctx, newID, m.Neighborhood); err != nil {
				return migrated, merged, err
			}
		}

		if err := c.rt.AddParticipant(ctx, newID, m.UserID); err != nil {
			return migrated, merged, err
		}
		if err := c.dir.SetChatID(ctx, m.UserID, newID); err != nil {
			return migrated, merged, fmt.Errorf("update chat id for %s: %w", m.UserID, err)
		}
		migrated++
	}
	return migrated, merged, nil
}

// ResolveDuplicates collapses accounts sharing an email down to one. The
// surviving account is the highest-ranked role, newest registration breaking
// ties; the rest lose their chat membership and get reset to pre-onboarding.
func (c *Coordinator) ResolveDuplicates(ctx context.Context) (int, error) {
	groups, err := c.dir.DuplicateEmailGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("list duplicate groups: %w", err)
	}

	resolved := 0
	for _, group := range groups {
		keep := canonicalAccount(group)
		for _, u := range group {
			if u.ID == keep.ID {
				continue
			}
			if u.ChatID != "" {
				if err := c.rt.RemoveParticipant(ctx, u.ChatID, u.ID); err != nil {
					log.Printf("reconcile: remove duplicate %s from %s: %v", u.ID, u.ChatID, err)
				}
			}
			if err := c.dir.ClearMembership(ctx, u.ID); err != nil {
				return resolved, fmt.Errorf("clear duplicate %s: %w", u.ID, err)
			}
			resolved++
		}
	}
	return resolved, nil
}

// canonicalAccount picks the account that survives deduplication.
func canonicalAccount(group []store.User) store.User {
	keep := group[0]
	for _, u := range group[1:] {
		if roleRank(u.Role) > roleRank(keep.Role) {
			keep = u
			continue
		}
		if roleRank(u.Role) == roleRank(keep.Role) && u.CreatedAt.After(keep.CreatedAt) {
			keep = u
		}
	}
	return keep
}

func roleRank(role string) int {
	if role == "admin" {
		return 1
	}
	return 0
}

// PendingSync lists members whose directory record disagrees with the
// realtime store: a legacy chat id, or a canonical id whose room no longer
// counts them as a participant. Read-only; the next Run repairs both cases.
func (c *Coordinator) PendingSync(ctx context.Context) ([]store.Membership, error) {
	members, err := c.dir.ListOnboarded(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]store.Membership, 0)
	for _, m := range members {
		if chatid.IsLegacyID(m.ChatID) {
			pending = append(pending, m)
			continue
		}
		in, err := c.rt.IsParticipant(ctx, m.ChatID, m.UserID)
		if err != nil {
			return nil, err
		}
		if !in {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// RunEvery reconciles on a fixed interval until ctx is cancelled.
func (c *Coordinator) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := c.Run(ctx)
			if err != nil {
				log.Printf("reconcile: scheduled pass failed: %v", err)
				continue
			}
			if report.Migrated > 0 || report.Merged > 0 || report.DuplicatesResolved > 0 {
				log.Printf("reconcile: migrated=%d merged=%d duplicates=%d", report.Migrated, report.Merged, report.DuplicatesResolved)
			}
		}
	}
}
