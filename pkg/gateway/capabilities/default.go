package capabilities

// DefaultRegistry wires the full capability set from shared dependencies.
// defaultBudget bounds serialized results for entries that do not declare
// their own.
func DefaultRegistry(defaultBudget int, mb MailboxDeps, ai AIDeps) (*Registry, error) {
	return NewRegistryWithBudget(defaultBudget,
		NewSearchMessages(mb),
		NewListUnread(mb),
		NewListUnreadPriority(mb),
		NewCountUnread(mb),
		NewGetThread(mb),
		NewCreateDraft(mb),
		NewSendDraft(mb),
		NewModifyLabels(mb),
		NewMarkRead(mb),
		NewBulkDelete(mb),
		NewSummarizeMessages(ai),
		NewSummarizeThread(ai),
		NewCategorizeUnread(ai),
		NewAbortAction(),
		NewNarrowScope(),
	)
}
