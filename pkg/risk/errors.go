package risk

import "errors"

// Error values returned by the risk service.
var (
	ErrStaleSnapshot        = errors.New("risk snapshot requires revalidation")
	ErrUnknownSnapshot      = errors.New("unknown risk snapshot")
	ErrUnknownCountry       = errors.New("unknown country")
	ErrRateUnavailable      = errors.New("exchange rate unavailable")
	ErrInvalidBookingID     = errors.New("invalid booking id")
	ErrInvalidCarValue      = errors.New("invalid car value")
	ErrInvalidGuaranteeType = errors.New("invalid guarantee type")
	ErrInvalidPolicy        = errors.New("invalid risk policy")
	ErrInvalidServiceConfig = errors.New("invalid risk service config")
)
