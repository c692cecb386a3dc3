package unlock

const (
	operationUnlock     = "unlock"
	operationReread     = "reread"
	operationCompensate = "compensate"
	operationTopUp      = "topup"
	operationFavorite   = "favorite"
	operationRead       = "read"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixDebit   = "debit"
	idempotencySuffixRefund  = "refund"
	idempotencyPrefixUnlock  = "unlock"
	maxUnlockAttempts        = 3
	defaultLibraryQueryLimit = 200

	// MessageUnlocked is reported when a fresh story was paid for and granted.
	MessageUnlocked = "New story unlocked!"
	// MessageReread is reported when every candidate was already owned.
	MessageReread = "Story retrieved from library."
)
