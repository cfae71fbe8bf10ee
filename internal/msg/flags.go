package msg

// Flag bits stored in the per-folder flags table. Only Seen is written
// back to the server; the rest mirror server state for display.
const (
	FlagSeen uint32 = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
)
