package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	BookingID BookingID
	Amount    AmountCents
	Ref       Ref
	Status    string
	Error     error
}

// OperationLoggers fans a single operation out to several loggers.
type OperationLoggers []OperationLogger

// LogOperation forwards the entry to every non-nil logger.
func (loggers OperationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSystemAccounts marks users whose available balance may go negative (platform, guarantee fund).
func WithSystemAccounts(userIDs ...UserID) ServiceOption {
	return func(service *Service) {
		for _, userID := range userIDs {
			service.systemAccounts[userID] = struct{}{}
		}
	}
}

// WithDefaultCurrency sets the currency assigned to wallets on first use.
func WithDefaultCurrency(currency Currency) ServiceOption {
	return func(service *Service) {
		service.currency = currency
	}
}

// WithDepositExpiry sets how long a pending deposit waits for confirmation.
func WithDepositExpiry(seconds int64) ServiceOption {
	return func(service *Service) {
		if seconds > 0 {
			service.depositExpirySeconds = seconds
		}
	}
}

// WithConflictRetry replaces the retry policy used on concurrency conflicts.
func WithConflictRetry(policy RetryConfig) ServiceOption {
	return func(service *Service) {
		service.retryPolicy = newConflictRetryPolicy(policy)
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
