package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
)

type fakeIntents struct {
	created   []*stripe.PaymentIntentParams
	captured  []*stripe.PaymentIntentCaptureParams
	cancelled []string
	status    stripe.PaymentIntentStatus
	newErr    error
}

func (fake *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	fake.created = append(fake.created, params)
	if fake.newErr != nil {
		return nil, fake.newErr
	}
	status := fake.status
	if status == "" {
		status = stripe.PaymentIntentStatusRequiresCapture
	}
	return &stripe.PaymentIntent{ID: "pi_123", Amount: *params.Amount, Status: status}, nil
}

func (fake *fakeIntents) Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	fake.captured = append(fake.captured, params)
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func (fake *fakeIntents) Cancel(id string, _ *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	fake.cancelled = append(fake.cancelled, id)
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
}

func testCards() StaticCards {
	return StaticCards{"renter-1": {CustomerID: "cus_1", PaymentMethodID: "pm_1"}}
}

func TestAuthorizePlacesManualCaptureHold(test *testing.T) {
	test.Parallel()

	intents := &fakeIntents{}
	authorizer := newAuthorizer(intents, testCards(), nil)

	authorization, err := authorizer.Authorize(context.Background(), escrow.AuthorizationRequest{
		BookingID:   "booking-1",
		UserID:      "renter-1",
		AmountCents: 45_000,
		Currency:    "USD",
		Ref:         "booking-1:hold",
	})
	require.NoError(test, err)
	require.Equal(test, escrow.Authorization{IntentID: "pi_123", AmountCents: 45_000}, authorization)

	require.Len(test, intents.created, 1)
	params := intents.created[0]
	require.Equal(test, "manual", *params.CaptureMethod)
	require.Equal(test, "usd", *params.Currency)
	require.Equal(test, "cus_1", *params.Customer)
	require.Equal(test, "pm_1", *params.PaymentMethod)
	require.Equal(test, "authorize:booking-1:hold", *params.IdempotencyKey)
	require.Equal(test, "booking-1", params.Metadata["booking_id"])
}

func TestAuthorizeWithoutCardFails(test *testing.T) {
	test.Parallel()

	intents := &fakeIntents{}
	authorizer := newAuthorizer(intents, testCards(), nil)

	_, err := authorizer.Authorize(context.Background(), escrow.AuthorizationRequest{
		BookingID: "booking-2", UserID: "stranger", AmountCents: 100, Currency: "USD", Ref: "r",
	})
	require.ErrorIs(test, err, escrow.ErrHoldAuthorizationFailed)
	require.ErrorIs(test, err, ErrNoCardOnFile)
	require.Empty(test, intents.created)
}

func TestAuthorizeDeclineIsHoldFailure(test *testing.T) {
	test.Parallel()

	decline := &stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: stripe.DeclineCodeInsufficientFunds, Msg: "declined"}
	authorizer := newAuthorizer(&fakeIntents{newErr: decline}, testCards(), nil)

	_, err := authorizer.Authorize(context.Background(), escrow.AuthorizationRequest{
		BookingID: "booking-3", UserID: "renter-1", AmountCents: 100, Currency: "USD", Ref: "r",
	})
	require.ErrorIs(test, err, escrow.ErrHoldAuthorizationFailed)
	require.Equal(test, "insufficient_funds", declineCode(err))
}

func TestAuthorizeRejectsUncapturableIntent(test *testing.T) {
	test.Parallel()

	authorizer := newAuthorizer(&fakeIntents{status: stripe.PaymentIntentStatusRequiresAction}, testCards(), nil)
	_, err := authorizer.Authorize(context.Background(), escrow.AuthorizationRequest{
		BookingID: "booking-4", UserID: "renter-1", AmountCents: 100, Currency: "USD", Ref: "r",
	})
	require.ErrorIs(test, err, ErrUnexpectedIntentStatus)
}

func TestCaptureAndCancel(test *testing.T) {
	test.Parallel()

	intents := &fakeIntents{}
	authorizer := newAuthorizer(intents, testCards(), nil)

	require.NoError(test, authorizer.Capture(context.Background(), "pi_9", 1_500, "booking-9:charge"))
	require.Len(test, intents.captured, 1)
	require.Equal(test, int64(1_500), *intents.captured[0].AmountToCapture)
	require.Equal(test, "capture:booking-9:charge", *intents.captured[0].IdempotencyKey)

	require.NoError(test, authorizer.Cancel(context.Background(), "pi_9", "booking-9:cancel"))
	require.Equal(test, []string{"pi_9"}, intents.cancelled)
}

func TestNewStripeAuthorizerValidates(test *testing.T) {
	_, err := NewStripeAuthorizer(Config{Cards: testCards()})
	require.Error(test, err)
	_, err = NewStripeAuthorizer(Config{SecretKey: "sk_test_x"})
	require.Error(test, err)
	require.False(test, errors.Is(err, ErrNoCardOnFile))
}
