package ledger

const (
	operationDeposit            = "deposit"
	operationConfirmDeposit     = "confirm_deposit"
	operationExpireDeposit      = "expire_deposit"
	operationCredit             = "credit"
	operationDebit              = "debit"
	operationLock               = "lock"
	operationUnlock             = "unlock"
	operationSettleLock         = "settle_lock"
	operationTransfer           = "transfer"
	operationRequestWithdrawal  = "request_withdrawal"
	operationApproveWithdrawal  = "approve_withdrawal"
	operationProcessWithdrawal  = "process_withdrawal"
	operationCompleteWithdrawal = "complete_withdrawal"
	operationFailWithdrawal     = "fail_withdrawal"
	operationRejectWithdrawal   = "reject_withdrawal"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	refDelimiter = ":"

	defaultCurrencyCode         = "USD"
	defaultDepositExpirySeconds = int64(24 * 60 * 60)
	defaultListLimit            = 50
	maxListLimit                = 500
)
