package pricing

import "errors"

// Error values returned by the pricing engine.
var (
	ErrUnknownRegion        = errors.New("unknown region")
	ErrInvalidRentalHours   = errors.New("invalid rental hours")
	ErrInvalidRegionID      = errors.New("invalid region id")
	ErrInvalidFactors       = errors.New("invalid pricing factors")
	ErrInvalidDiscount      = errors.New("invalid discount")
	ErrUnknownCalculation   = errors.New("unknown pricing calculation")
	ErrInvalidServiceConfig = errors.New("invalid pricing engine config")
)
