package gmail

import (
	"google.golang.org/api/gmail/v1"

	"github.com/vipul43/mailvault-worker/internal/service"
)

// historyAccumulator folds history records into net changes. A message added
// and deleted within the window is only reported as deleted, and each label
// keeps only the last operation applied to it.
type historyAccumulator struct {
	added   []string
	seen    map[string]bool
	deleted map[string]bool
	order   []string
	labels  map[string]*labelState
	changed []string
}

// labelState is the final added/removed state per label of one message
type labelState struct {
	final map[string]bool
	order []string
}

func (l *labelState) set(label string, added bool) {
	if _, ok := l.final[label]; !ok {
		l.order = append(l.order, label)
	}
	l.final[label] = added
}

func newHistoryAccumulator() *historyAccumulator {
	return &historyAccumulator{
		seen:    map[string]bool{},
		deleted: map[string]bool{},
		labels:  map[string]*labelState{},
	}
}

func (a *historyAccumulator) add(h *gmail.History) {
	for _, m := range h.MessagesAdded {
		if m.Message == nil || a.seen[m.Message.Id] {
			continue
		}
		a.seen[m.Message.Id] = true
		a.added = append(a.added, m.Message.Id)
	}
	for _, m := range h.MessagesDeleted {
		if m.Message == nil || a.deleted[m.Message.Id] {
			continue
		}
		a.deleted[m.Message.Id] = true
		a.order = append(a.order, m.Message.Id)
	}
	for _, l := range h.LabelsAdded {
		if l.Message != nil {
			state := a.state(l.Message.Id)
			for _, label := range l.LabelIds {
				state.set(label, true)
			}
		}
	}
	for _, l := range h.LabelsRemoved {
		if l.Message != nil {
			state := a.state(l.Message.Id)
			for _, label := range l.LabelIds {
				state.set(label, false)
			}
		}
	}
}

func (a *historyAccumulator) state(id string) *labelState {
	if st, ok := a.labels[id]; ok {
		return st
	}
	st := &labelState{final: map[string]bool{}}
	a.labels[id] = st
	a.changed = append(a.changed, id)
	return st
}

func (a *historyAccumulator) fill(result *service.HistoryResult) {
	for _, id := range a.added {
		if !a.deleted[id] {
			result.Added = append(result.Added, id)
		}
	}
	result.Deleted = append(result.Deleted, a.order...)
	for _, id := range a.changed {
		if a.deleted[id] {
			continue
		}
		st := a.labels[id]
		change := service.LabelChange{ProviderID: id}
		for _, label := range st.order {
			if st.final[label] {
				change.Added = append(change.Added, label)
			} else {
				change.Removed = append(change.Removed, label)
			}
		}
		result.LabelChanges = append(result.LabelChanges, change)
	}
}
