package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow/escrowtest"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo/fgotest"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger/ledgertest"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk/risktest"
)

const (
	testNowUnixUTC  = int64(1_700_000_000)
	secondsPerDay   = int64(24 * 3600)
	testSigningKey  = "secret-key"
	testIssuer      = "tauth"
	testCookieName  = "app_session"
	renterUserID    = "renter-1"
	ownerUserID     = "owner-1"
	outsiderUserID  = "stranger-1"
	adminUserID     = "admin-1"
	platformAccount = "platform"
	testBookingID   = "booking-1"

	testDamageWindowSeconds = int64(24 * 3600)
)

type responseEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type apiHarness struct {
	server  *httptest.Server
	cookies map[string]*http.Cookie
}

type fundObserverStub struct {
	observed []fgo.Metrics
}

func (observer *fundObserverStub) ObserveFund(metrics fgo.Metrics) {
	observer.observed = append(observer.observed, metrics)
}

func newHarness(test *testing.T, options ...Option) *apiHarness {
	test.Helper()
	now := func() int64 { return testNowUnixUTC }
	platform, err := ledger.NewUserID(platformAccount)
	require.NoError(test, err)

	ledgerService, err := ledger.NewService(ledgertest.NewMemoryStore(), now, ledger.WithSystemAccounts(platform))
	require.NoError(test, err)
	fundService, err := fgo.NewService(fgotest.NewMemoryStore(), now, fgo.WithLedger(ledgerService), fgo.WithFundingAccount(platform))
	require.NoError(test, err)
	policy := risk.DefaultPolicy()
	policy.Buckets = []risk.BucketTier{{Bucket: "standard", GuaranteeAmountUSDCents: 100_000, FranchiseUSDCents: 50_000}}
	riskService, err := risk.NewService(risktest.NewMemoryStore(), risk.StaticRates{}, policy, now)
	require.NoError(test, err)
	escrowService, err := escrow.NewService(escrowtest.NewMemoryStore(), ledgerService, now,
		escrow.WithPlatformAccount(platform),
		escrow.WithGuaranteeFund(fundService),
		escrow.WithRiskChecker(riskService),
		escrow.WithDamageWindow(testDamageWindowSeconds),
	)
	require.NoError(test, err)
	engine, err := pricing.NewEngine(pricing.StaticFactorSource{Snapshot: pricing.FactorSnapshot{
		Version: "test",
		Regions: map[string]pricing.Region{"default": {BasePricePerHourCents: 1000, Currency: "USD", TimeZone: "UTC"}},
	}}, pricing.NewMemoryDemandStore(), now, pricing.WithCalculationRecorder(pricing.NewMemoryCalculationStore()))
	require.NoError(test, err)

	cfg := Config{
		ListenAddr:        ":0",
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: testSigningKey,
		SessionIssuer:     testIssuer,
		SessionCookieName: testCookieName,
		AdminUserIDs:      []string{adminUserID},
	}
	options = append([]Option{WithLogger(zap.NewNop()), WithClock(now)}, options...)
	server, err := NewServer(cfg, Services{
		Ledger:  ledgerService,
		Escrow:  escrowService,
		Fund:    fundService,
		Risk:    riskService,
		Pricing: engine,
	}, options...)
	require.NoError(test, err)

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	require.NoError(test, err)
	httpServer := httptest.NewServer(server.Router(validator))
	test.Cleanup(httpServer.Close)

	harness := &apiHarness{server: httpServer, cookies: map[string]*http.Cookie{}}
	for _, userID := range []string{renterUserID, ownerUserID, outsiderUserID, adminUserID} {
		harness.cookies[userID] = buildSessionCookie(test, cfg, userID)
	}
	return harness
}

func buildSessionCookie(test *testing.T, cfg Config, userID string) *http.Cookie {
	test.Helper()
	issuedAt := time.Now().Add(-time.Minute)
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		UserRoles:       []string{"user"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.SessionSigningKey))
	require.NoError(test, err)
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func mustJSONMarshal(test *testing.T, value any) []byte {
	test.Helper()
	payload, err := json.Marshal(value)
	require.NoError(test, err)
	return payload
}

// call sends a request as userID. An empty idempotencyKey omits the header.
func (harness *apiHarness) call(test *testing.T, userID string, method string, path string, idempotencyKey string, payload any) (int, responseEnvelope) {
	test.Helper()
	var body *bytes.Reader
	if payload != nil {
		body = bytes.NewReader(mustJSONMarshal(test, payload))
	} else {
		body = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, harness.server.URL+path, body)
	require.NoError(test, err)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		request.Header.Set(idempotencyHeader, idempotencyKey)
	}
	if cookie, ok := harness.cookies[userID]; ok {
		request.AddCookie(cookie)
	}
	response, err := harness.server.Client().Do(request)
	require.NoError(test, err)
	defer response.Body.Close()
	var envelope responseEnvelope
	require.NoError(test, json.NewDecoder(response.Body).Decode(&envelope))
	return response.StatusCode, envelope
}

func decodeData[T any](test *testing.T, envelope responseEnvelope) T {
	test.Helper()
	var value T
	require.NoError(test, json.Unmarshal(envelope.Data, &value))
	return value
}

// fundUser deposits and confirms amountCents for userID.
func (harness *apiHarness) fundUser(test *testing.T, userID string, amountCents int64) {
	test.Helper()
	status, envelope := harness.call(test, userID, http.MethodPost, "/api/deposits", "deposit:"+userID, map[string]any{
		"amount_cents": amountCents,
		"provider":     "stripe",
	})
	require.Equal(test, http.StatusAccepted, status, envelope.Message)
	deposit := decodeData[ledger.DepositTransaction](test, envelope)
	require.Equal(test, ledger.DepositStatusPending, deposit.Status)

	status, envelope = harness.call(test, adminUserID, http.MethodPost, "/api/admin/deposits/"+deposit.TransactionID+"/confirm", "", map[string]any{
		"provider_ref": "ch_" + userID,
	})
	require.Equal(test, http.StatusOK, status, envelope.Message)
}

func (harness *apiHarness) wallet(test *testing.T, userID string) walletResponse {
	test.Helper()
	status, envelope := harness.call(test, userID, http.MethodGet, "/api/wallet", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	return decodeData[walletResponse](test, envelope)
}

func (harness *apiHarness) createBooking(test *testing.T) escrow.Escrow {
	test.Helper()
	status, envelope := harness.call(test, renterUserID, http.MethodPost, "/api/bookings", "create:"+testBookingID, map[string]any{
		"booking": map[string]any{
			"booking_id":          testBookingID,
			"car_id":              "car-1",
			"owner_id":            ownerUserID,
			"start_unix_utc":      testNowUnixUTC + 10*secondsPerDay,
			"end_unix_utc":        testNowUnixUTC + 13*secondsPerDay,
			"cancel_policy":       "moderate",
			"payment_mode":        "wallet_only",
			"country_code":        "US",
			"car_value_usd_cents": 2_500_000,
			"guarantee_type":      "wallet_hold",
		},
		"amounts": map[string]any{"rental_cents": 5000, "deposit_cents": 2000},
	})
	require.Equal(test, http.StatusCreated, status, envelope.Message)
	return decodeData[escrow.Result](test, envelope).Escrow
}

func TestBookingLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.fundUser(test, renterUserID, 10_000)
	require.EqualValues(test, 10_000, harness.wallet(test, renterUserID).Balance.AvailableCents)

	created := harness.createBooking(test)
	require.Equal(test, escrow.StatusUnlocked, created.Status)
	require.Equal(test, renterUserID, created.Booking.RenterID)
	require.Equal(test, "standard", created.Bucket)

	status, envelope := harness.call(test, renterUserID, http.MethodPost, "/api/bookings/"+testBookingID+"/lock", "lock:1", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	require.Equal(test, escrow.StatusLocked, decodeData[escrow.Result](test, envelope).Escrow.Status)

	balance := harness.wallet(test, renterUserID).Balance
	require.EqualValues(test, 3_000, balance.AvailableCents)
	require.EqualValues(test, 7_000, balance.LockedCents)

	status, envelope = harness.call(test, renterUserID, http.MethodGet, "/api/bookings/"+testBookingID+"/cancel-fee", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)

	status, envelope = harness.call(test, renterUserID, http.MethodPost, "/api/bookings/"+testBookingID+"/confirm-payment", "confirm:renter", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	status, envelope = harness.call(test, ownerUserID, http.MethodPost, "/api/bookings/"+testBookingID+"/confirm-delivery", "confirm:owner", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	require.Equal(test, escrow.StatusCharged, decodeData[escrow.Result](test, envelope).Escrow.Status)

	require.Positive(test, int64(harness.wallet(test, ownerUserID).Balance.AvailableCents))
	require.EqualValues(test, 2_000, harness.wallet(test, renterUserID).Balance.LockedCents, "deposit stays locked through the damage window")

	status, envelope = harness.call(test, adminUserID, http.MethodGet, "/api/admin/bookings/"+testBookingID+"/transitions", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	transitions := decodeData[[]escrow.Transition](test, envelope)
	require.Equal(test, escrow.StatusCharged, transitions[len(transitions)-1].To)

	status, envelope = harness.call(test, adminUserID, http.MethodGet, "/api/admin/fund/movements?type=contribution", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	require.NotEmpty(test, decodeData[[]fgo.Movement](test, envelope))
}

func TestReplayedLockReturnsSameResult(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.fundUser(test, renterUserID, 10_000)
	harness.createBooking(test)

	path := "/api/bookings/" + testBookingID + "/lock"
	status, first := harness.call(test, renterUserID, http.MethodPost, path, "lock:1", nil)
	require.Equal(test, http.StatusOK, status, first.Message)
	status, second := harness.call(test, renterUserID, http.MethodPost, path, "lock:1", nil)
	require.Equal(test, http.StatusOK, status, second.Message)
	require.JSONEq(test, string(first.Data), string(second.Data))
	require.EqualValues(test, 7_000, harness.wallet(test, renterUserID).Balance.LockedCents)
}

func TestBookingAuthorization(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.createBooking(test)

	cases := []struct {
		name           string
		userID         string
		method         string
		path           string
		expectedStatus int
		expectedCode   string
	}{
		{name: "owner cannot lock", userID: ownerUserID, method: http.MethodPost, path: "/lock", expectedStatus: http.StatusForbidden, expectedCode: codeForbidden},
		{name: "renter cannot confirm delivery", userID: renterUserID, method: http.MethodPost, path: "/confirm-delivery", expectedStatus: http.StatusForbidden, expectedCode: codeForbidden},
		{name: "outsider sees nothing", userID: outsiderUserID, method: http.MethodGet, path: "", expectedStatus: http.StatusNotFound, expectedCode: ledger.CodeNotFound},
		{name: "admin may read", userID: adminUserID, method: http.MethodGet, path: "", expectedStatus: http.StatusOK},
		{name: "owner may read", userID: ownerUserID, method: http.MethodGet, path: "", expectedStatus: http.StatusOK},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			status, envelope := harness.call(test, testCase.userID, testCase.method, "/api/bookings/"+testBookingID+testCase.path, "key:"+testCase.name, nil)
			require.Equal(test, testCase.expectedStatus, status, envelope.Message)
			require.Equal(test, testCase.expectedCode, envelope.Code)
		})
	}
}

func TestMutationsRequireIdempotencyKey(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	status, envelope := harness.call(test, renterUserID, http.MethodPost, "/api/deposits", "", map[string]any{"amount_cents": 100, "provider": "stripe"})
	require.Equal(test, http.StatusBadRequest, status)
	require.Equal(test, ledger.CodeInvalidArgument, envelope.Code)
}

func TestTransferErrorsMapToCodes(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.fundUser(test, renterUserID, 1_000)

	status, envelope := harness.call(test, renterUserID, http.MethodPost, "/api/transfers", "transfer:1", map[string]any{
		"to_user_id":   ownerUserID,
		"amount_cents": 5_000,
	})
	require.Equal(test, http.StatusUnprocessableEntity, status)
	require.Equal(test, ledger.CodeInsufficientFunds, envelope.Code)

	status, envelope = harness.call(test, renterUserID, http.MethodPost, "/api/transfers", "transfer:2", map[string]any{
		"to_user_id":   ownerUserID,
		"amount_cents": 400,
		"metadata":     map[string]any{"note": "fuel"},
	})
	require.Equal(test, http.StatusOK, status, envelope.Message)
	require.EqualValues(test, 400, harness.wallet(test, ownerUserID).Balance.AvailableCents)

	status, envelope = harness.call(test, adminUserID, http.MethodGet, "/api/admin/ledger/refs/transfer:2", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	report := decodeData[map[string]any](test, envelope)
	require.EqualValues(test, 0, report["internal_net_cents"])
}

func TestWithdrawalLifecycle(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.fundUser(test, renterUserID, 3_000)

	status, envelope := harness.call(test, renterUserID, http.MethodPost, "/api/withdrawals", "withdraw:1", map[string]any{
		"amount_cents": 2_000,
		"destination":  "iban:AR00",
	})
	require.Equal(test, http.StatusAccepted, status, envelope.Message)
	withdrawal := decodeData[ledger.WithdrawalResult](test, envelope).Withdrawal

	status, _ = harness.call(test, outsiderUserID, http.MethodGet, "/api/withdrawals/"+withdrawal.WithdrawalID, "", nil)
	require.Equal(test, http.StatusNotFound, status)

	for _, step := range []string{"approve", "process"} {
		status, envelope = harness.call(test, adminUserID, http.MethodPost, "/api/admin/withdrawals/"+withdrawal.WithdrawalID+"/"+step, "", nil)
		require.Equal(test, http.StatusOK, status, envelope.Message)
	}
	status, envelope = harness.call(test, adminUserID, http.MethodPost, "/api/admin/withdrawals/"+withdrawal.WithdrawalID+"/complete", "", map[string]any{"payout_ref": "po_1"})
	require.Equal(test, http.StatusOK, status, envelope.Message)

	status, envelope = harness.call(test, adminUserID, http.MethodPost, "/api/admin/withdrawals/"+withdrawal.WithdrawalID+"/reject", "", map[string]any{"reason": "late"})
	require.Equal(test, http.StatusConflict, status)
	require.Equal(test, ledger.CodeInvalidState, envelope.Code)

	balance := harness.wallet(test, renterUserID).Balance
	require.EqualValues(test, 1_000, balance.TotalCents)
}

func TestAdminRoutesRequireAdmin(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	status, envelope := harness.call(test, renterUserID, http.MethodGet, "/api/admin/fund/subfunds", "", nil)
	require.Equal(test, http.StatusForbidden, status)
	require.Equal(test, codeForbidden, envelope.Code)

	status, envelope = harness.call(test, adminUserID, http.MethodGet, "/api/admin/fund/subfunds", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
}

func TestQuoteAndReplay(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	status, envelope := harness.call(test, renterUserID, http.MethodPost, "/api/quotes", "", map[string]any{
		"region_id":             "default",
		"rental_start_unix_utc": testNowUnixUTC + secondsPerDay,
		"rental_hours":          3,
	})
	require.Equal(test, http.StatusOK, status, envelope.Message)
	quote := decodeData[pricing.Quote](test, envelope)
	require.EqualValues(test, 3_000, quote.TotalCents)
	require.Equal(test, renterUserID, quote.Price.Request.UserID)

	status, envelope = harness.call(test, adminUserID, http.MethodGet, "/api/admin/pricing/calculations/"+quote.Price.CalculationID+"/replay", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	require.True(test, decodeData[pricing.ReplayResult](test, envelope).Matches)

	status, envelope = harness.call(test, renterUserID, http.MethodPost, "/api/quotes", "", map[string]any{
		"region_id":             "mars",
		"rental_start_unix_utc": testNowUnixUTC + secondsPerDay,
		"rental_hours":          3,
	})
	require.Equal(test, http.StatusNotFound, status)
	require.Equal(test, ledger.CodeNotFound, envelope.Code)
}

func TestFundMetricsRecalculationIsObserved(test *testing.T) {
	test.Parallel()
	observer := &fundObserverStub{}
	harness := newHarness(test, WithFundObserver(observer))

	status, envelope := harness.call(test, adminUserID, http.MethodPost, "/api/admin/fund/metrics", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	require.Len(test, observer.observed, 1)

	status, envelope = harness.call(test, adminUserID, http.MethodGet, "/api/admin/fund/metrics", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
}

func TestRiskSnapshotFlagBlocksLock(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.fundUser(test, renterUserID, 10_000)
	harness.createBooking(test)

	status, envelope := harness.call(test, adminUserID, http.MethodPost, "/api/admin/risk/"+testBookingID+"/flag", "", nil)
	require.Equal(test, http.StatusOK, status, envelope.Message)
	require.True(test, decodeData[risk.Snapshot](test, envelope).RequiresRevalidation)

	status, envelope = harness.call(test, renterUserID, http.MethodPost, "/api/bookings/"+testBookingID+"/lock", "lock:1", nil)
	require.Equal(test, http.StatusConflict, status)
	require.Equal(test, codeStaleSnapshot, envelope.Code)
}

func TestClassify(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{name: "cap exceeded", err: fgo.ErrCapExceeded, expectedStatus: http.StatusUnprocessableEntity, expectedCode: codeCapExceeded},
		{name: "hold failed", err: escrow.ErrHoldAuthorizationFailed, expectedStatus: http.StatusPaymentRequired, expectedCode: codeHoldAuthorizationFailed},
		{name: "unknown booking", err: escrow.ErrUnknownBooking, expectedStatus: http.StatusNotFound, expectedCode: ledger.CodeNotFound},
		{name: "invalid discount", err: pricing.ErrInvalidDiscount, expectedStatus: http.StatusBadRequest, expectedCode: ledger.CodeInvalidArgument},
		{name: "unexpected", err: errors.New("disk on fire"), expectedStatus: http.StatusInternalServerError, expectedCode: ledger.CodeInternal},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			status, code := classify(testCase.err)
			require.Equal(test, testCase.expectedStatus, status)
			require.Equal(test, testCase.expectedCode, code)
		})
	}
}
