// Package goals merges library-scoped Goal, GoalProgress, and InboxItem
// records between the local copy and the remote library root. Unlike pages,
// these records are never big enough to warrant a CRDT: a plain
// last-writer-wins merge by updated_at is sufficient, with GoalProgress
// getting a slightly richer per-(goal,date) merge rule.
package goals

import (
	"github.com/nous-app/notebook-sync/internal/model"
)

// Change reports whether a merge actually mutated local or remote state, so
// callers only emit change events and only push when something changed
// (§4.10: "emit change events only when local state actually mutated").
type Change struct {
	LocalChanged  bool
	RemoteChanged bool
}

// MergeGoals merges local and remote Goal sets by id: remote-only ids are
// adopted, local-only ids are kept, and ids present on both sides keep
// whichever has the larger UpdatedAt.
func MergeGoals(local, remote []*model.Goal) ([]*model.Goal, Change) {
	localByID := make(map[string]*model.Goal, len(local))
	for _, g := range local {
		localByID[g.ID] = g
	}
	remoteByID := make(map[string]*model.Goal, len(remote))
	for _, g := range remote {
		remoteByID[g.ID] = g
	}

	merged := make(map[string]*model.Goal, len(localByID)+len(remoteByID))
	var change Change

	for id, lg := range localByID {
		merged[id] = lg
		if rg, ok := remoteByID[id]; !ok || lg.UpdatedAt.After(rg.UpdatedAt) {
			change.RemoteChanged = true
		}
	}
	for id, rg := range remoteByID {
		lg, ok := localByID[id]
		if !ok || rg.UpdatedAt.After(lg.UpdatedAt) {
			merged[id] = rg
			change.LocalChanged = true
		}
	}

	out := make([]*model.Goal, 0, len(merged))
	for _, g := range merged {
		out = append(out, g)
	}
	return out, change
}

// progressKey identifies a GoalProgress record for merge purposes.
type progressKey struct {
	GoalID string
	Date   string
}

// MergeProgress merges GoalProgress records with the richer per-(goal,date)
// rule from §4.10: completed is OR'd, value is max, auto_detected is OR'd.
func MergeProgress(local, remote []*model.GoalProgress) ([]*model.GoalProgress, Change) {
	byKey := make(map[progressKey]*model.GoalProgress, len(local)+len(remote))
	var change Change

	for _, p := range local {
		cp := *p
		byKey[progressKey{p.GoalID, p.Date}] = &cp
	}
	for _, rp := range remote {
		k := progressKey{rp.GoalID, rp.Date}
		lp, ok := byKey[k]
		if !ok {
			cp := *rp
			byKey[k] = &cp
			change.LocalChanged = true
			continue
		}
		merged := *lp
		if rp.Completed && !merged.Completed {
			merged.Completed = true
			change.LocalChanged = true
		}
		if rp.Value > merged.Value {
			merged.Value = rp.Value
			change.LocalChanged = true
		}
		if rp.AutoDetected && !merged.AutoDetected {
			merged.AutoDetected = true
			change.LocalChanged = true
		}
		if rp.UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = rp.UpdatedAt
		}
		byKey[k] = &merged
	}
	remoteByKey := make(map[progressKey]*model.GoalProgress, len(remote))
	for _, rp := range remote {
		remoteByKey[progressKey{rp.GoalID, rp.Date}] = rp
	}
	for k, merged := range byKey {
		rp, ok := remoteByKey[k]
		if !ok || merged.Completed != rp.Completed || merged.Value != rp.Value || merged.AutoDetected != rp.AutoDetected {
			change.RemoteChanged = true
		}
	}

	out := make([]*model.GoalProgress, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	return out, change
}

// MergeInbox merges InboxItem records by id, last-writer-wins on UpdatedAt.
func MergeInbox(local, remote []*model.InboxItem) ([]*model.InboxItem, Change) {
	byID := make(map[string]*model.InboxItem, len(local)+len(remote))
	var change Change

	for _, it := range local {
		byID[it.ID] = it
	}
	for _, rit := range remote {
		lit, ok := byID[rit.ID]
		if !ok || rit.UpdatedAt.After(lit.UpdatedAt) {
			byID[rit.ID] = rit
			change.LocalChanged = true
		}
	}
	for _, lit := range local {
		rit, ok := findInboxByID(remote, lit.ID)
		if !ok || lit.UpdatedAt.After(rit.UpdatedAt) {
			change.RemoteChanged = true
		}
	}

	out := make([]*model.InboxItem, 0, len(byID))
	for _, it := range byID {
		out = append(out, it)
	}
	return out, change
}

func findInboxByID(items []*model.InboxItem, id string) (*model.InboxItem, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

