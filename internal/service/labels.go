package service

import "github.com/vipul43/mailvault-worker/internal/models"

// System labels that drive local flags
const (
	LabelUnread    = "UNREAD"
	LabelInbox     = "INBOX"
	LabelImportant = "IMPORTANT"
	LabelSpam      = "SPAM"
	LabelTrash     = "TRASH"
)

// LabelFlags translates a net label change into flag updates. Each label is
// expected in at most one of Added and Removed.
func LabelFlags(change LabelChange) models.FlagUpdate {
	var update models.FlagUpdate
	for _, l := range change.Removed {
		applyLabel(&update, l, false)
	}
	for _, l := range change.Added {
		applyLabel(&update, l, true)
	}
	return update
}

func applyLabel(update *models.FlagUpdate, label string, added bool) {
	switch label {
	case LabelUnread:
		update.IsRead = boolPtr(!added)
	case LabelImportant:
		update.IsImportant = boolPtr(added)
	case LabelSpam:
		update.IsSpam = boolPtr(added)
	case LabelInbox:
		update.IsArchived = boolPtr(!added)
	case LabelTrash:
		update.IsDeleted = boolPtr(added)
	}
}

func boolPtr(b bool) *bool {
	return &b
}
