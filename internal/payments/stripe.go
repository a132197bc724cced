// Package payments authorizes rental card holds with Stripe manual-capture PaymentIntents.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
)

var (
	// ErrNoCardOnFile is returned when a renter has no saved payment method.
	ErrNoCardOnFile = errors.New("no card on file")
	// ErrUnexpectedIntentStatus is returned when Stripe did not leave the intent awaiting capture.
	ErrUnexpectedIntentStatus = errors.New("unexpected payment intent status")
)

// Card is a saved Stripe payment method of a renter.
type Card struct {
	CustomerID      string `mapstructure:"customer_id"`
	PaymentMethodID string `mapstructure:"payment_method_id"`
}

// CardDirectory resolves the saved card of a user.
type CardDirectory interface {
	CardFor(ctx context.Context, userID string) (Card, error)
}

// StaticCards is a CardDirectory backed by configuration.
type StaticCards map[string]Card

// CardFor returns the configured card of a user.
func (cards StaticCards) CardFor(_ context.Context, userID string) (Card, error) {
	card, ok := cards[userID]
	if !ok || card.CustomerID == "" || card.PaymentMethodID == "" {
		return Card{}, fmt.Errorf("%w: %s", ErrNoCardOnFile, userID)
	}
	return card, nil
}

// intentAPI is the PaymentIntent surface the authorizer calls.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeIntents struct{}

func (stripeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (stripeIntents) Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Capture(id, params)
}

func (stripeIntents) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Cancel(id, params)
}

// Config configures the Stripe authorizer.
type Config struct {
	SecretKey string
	Cards     CardDirectory
	Logger    *zap.Logger
}

// StripeAuthorizer implements escrow.PaymentAuthorizer.
type StripeAuthorizer struct {
	intents intentAPI
	cards   CardDirectory
	logger  *zap.Logger
}

// NewStripeAuthorizer sets the Stripe API key and returns an authorizer.
func NewStripeAuthorizer(config Config) (*StripeAuthorizer, error) {
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if config.Cards == nil {
		return nil, fmt.Errorf("card directory is required")
	}
	stripe.Key = config.SecretKey
	return newAuthorizer(stripeIntents{}, config.Cards, config.Logger), nil
}

func newAuthorizer(intents intentAPI, cards CardDirectory, logger *zap.Logger) *StripeAuthorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeAuthorizer{intents: intents, cards: cards, logger: logger}
}

// Authorize places an off-session hold on the renter's saved card. Declines and missing cards
// surface as escrow.ErrHoldAuthorizationFailed.
func (authorizer *StripeAuthorizer) Authorize(ctx context.Context, request escrow.AuthorizationRequest) (escrow.Authorization, error) {
	card, err := authorizer.cards.CardFor(ctx, request.UserID)
	if err != nil {
		return escrow.Authorization{}, fmt.Errorf("%w: %w", escrow.ErrHoldAuthorizationFailed, err)
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(request.AmountCents),
		Currency:           stripe.String(strings.ToLower(request.Currency)),
		Customer:           stripe.String(card.CustomerID),
		PaymentMethod:      stripe.String(card.PaymentMethodID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
		Metadata: map[string]string{
			"booking_id": request.BookingID,
			"user_id":    request.UserID,
			"ref":        request.Ref,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("authorize:" + request.Ref)

	intent, err := authorizer.intents.New(params)
	if err != nil {
		authorizer.logger.Warn("card authorization declined",
			zap.String("booking_id", request.BookingID),
			zap.String("decline_code", declineCode(err)),
			zap.Error(err))
		return escrow.Authorization{}, fmt.Errorf("%w: %w", escrow.ErrHoldAuthorizationFailed, err)
	}
	if intent.Status != stripe.PaymentIntentStatusRequiresCapture {
		return escrow.Authorization{}, fmt.Errorf("%w: %w: %s", escrow.ErrHoldAuthorizationFailed, ErrUnexpectedIntentStatus, intent.Status)
	}
	authorizer.logger.Info("card authorized",
		zap.String("booking_id", request.BookingID),
		zap.String("intent_id", intent.ID),
		zap.Int64("amount_cents", intent.Amount))
	return escrow.Authorization{IntentID: intent.ID, AmountCents: intent.Amount}, nil
}

// Capture captures part or all of an authorization.
func (authorizer *StripeAuthorizer) Capture(ctx context.Context, intentID string, amountCents int64, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amountCents)}
	params.Context = ctx
	params.SetIdempotencyKey("capture:" + ref)
	intent, err := authorizer.intents.Capture(intentID, params)
	if err != nil {
		return fmt.Errorf("capture %s: %w", intentID, err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("capture %s: %w: %s", intentID, ErrUnexpectedIntentStatus, intent.Status)
	}
	return nil
}

// Cancel releases an authorization.
func (authorizer *StripeAuthorizer) Cancel(ctx context.Context, intentID string, ref string) error {
	params := &stripe.PaymentIntentCancelParams{CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned))}
	params.Context = ctx
	params.SetIdempotencyKey("cancel:" + ref)
	if _, err := authorizer.intents.Cancel(intentID, params); err != nil {
		return fmt.Errorf("cancel %s: %w", intentID, err)
	}
	return nil
}

func declineCode(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.DeclineCode != "" {
			return string(stripeErr.DeclineCode)
		}
		return string(stripeErr.Code)
	}
	return ""
}
