package ledger

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewUserID(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			result, err := NewUserID(testCase.input)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected error %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if result.String() != testCase.wantVal {
				test.Fatalf("expected %q, got %q", testCase.wantVal, result.String())
			}
		})
	}
}

func TestNewBookingIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	_, err := NewBookingID("")
	if !errors.Is(err, ErrInvalidBookingID) {
		test.Fatalf("expected ErrInvalidBookingID, got %v", err)
	}
}

func TestDeriveRefAppendsSuffix(test *testing.T) {
	test.Parallel()
	base, err := NewRef(" booking-1 ")
	if err != nil {
		test.Fatalf("ref: %v", err)
	}
	derived, err := DeriveRef(base, "charge")
	if err != nil {
		test.Fatalf("derive: %v", err)
	}
	if derived.String() != "booking-1:charge" {
		test.Fatalf("unexpected derived ref %q", derived.String())
	}
	if _, err := DeriveRef(Ref{}, "charge"); !errors.Is(err, ErrInvalidRef) {
		test.Fatalf("expected ErrInvalidRef, got %v", err)
	}
}

func TestNewCurrency(test *testing.T) {
	test.Parallel()
	cases := []struct {
		input   string
		wantVal string
		wantErr error
	}{
		{input: "ars", wantVal: "ARS"},
		{input: " USD ", wantVal: "USD"},
		{input: "US", wantErr: ErrInvalidCurrency},
		{input: "U5D", wantErr: ErrInvalidCurrency},
	}
	for _, testCase := range cases {
		currency, err := NewCurrency(testCase.input)
		if testCase.wantErr != nil {
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("%q: expected %v, got %v", testCase.input, testCase.wantErr, err)
			}
			continue
		}
		if err != nil || currency.String() != testCase.wantVal {
			test.Fatalf("%q: expected %s, got %s (%v)", testCase.input, testCase.wantVal, currency, err)
		}
	}
}

func TestNewPositiveAmountCents(test *testing.T) {
	test.Parallel()
	if _, err := NewPositiveAmountCents(0); !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents, got %v", err)
	}
	value, err := NewPositiveAmountCents(100)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if value.ToAmountCents().Negated() != -100 {
		test.Fatalf("expected -100, got %d", value.ToAmountCents().Negated())
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		test.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	_, err = NewMetadataJSON("not-json")
	if !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestEntryJSONKeepsValueObjects(test *testing.T) {
	test.Parallel()
	userID, _ := NewUserID("renter-1")
	ref, _ := NewRef("ref-1")
	metadata, _ := NewMetadataJSON(`{"source":"test"}`)
	original := Entry{UserID: userID, Bucket: BucketLocked, Kind: KindLock, AmountCents: 250, Ref: ref, Metadata: metadata}
	encoded, err := json.Marshal(original)
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	var decoded Entry
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		test.Fatalf("unmarshal: %v", err)
	}
	if decoded.UserID != userID || decoded.Ref != ref || decoded.Metadata.String() != metadata.String() {
		test.Fatalf("unexpected decoded entry %+v", decoded)
	}
}

func TestParseEntryKindCoversClosedSet(test *testing.T) {
	test.Parallel()
	kinds := []EntryKind{
		KindDeposit, KindRentalCharge, KindRentalPayment, KindRefund, KindFranchiseUser, KindFranchiseFund,
		KindWithdrawal, KindAdjustment, KindBonus, KindFee, KindTransferIn, KindTransferOut, KindLock, KindUnlock,
	}
	for _, kind := range kinds {
		parsed, err := ParseEntryKind(kind.String())
		if err != nil || parsed != kind {
			test.Fatalf("expected %s to parse, got %s (%v)", kind, parsed, err)
		}
	}
	if _, err := ParseEntryKind("mystery"); !errors.Is(err, ErrInvalidEntryKind) {
		test.Fatalf("expected ErrInvalidEntryKind, got %v", err)
	}
}

func TestParseBucketAndLockValues(test *testing.T) {
	test.Parallel()
	if _, err := ParseBucket("frozen"); !errors.Is(err, ErrInvalidBucket) {
		test.Fatalf("expected ErrInvalidBucket, got %v", err)
	}
	if _, err := ParseLockPurpose("parking"); !errors.Is(err, ErrInvalidLockPurpose) {
		test.Fatalf("expected ErrInvalidLockPurpose, got %v", err)
	}
	status, err := ParseLockStatus("captured")
	if err != nil || status != LockStatusCaptured {
		test.Fatalf("expected captured, got %s (%v)", status, err)
	}
}

func TestCheckConservation(test *testing.T) {
	test.Parallel()
	balanced := []Entry{
		{Kind: KindRentalCharge, AmountCents: -5000},
		{Kind: KindRentalPayment, AmountCents: 4500},
		{Kind: KindFee, AmountCents: 500},
		{Kind: KindDeposit, AmountCents: 1200},
	}
	report, err := CheckConservation(balanced)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if report.InboundCents != 1200 || report.InternalNetCents != 0 {
		test.Fatalf("unexpected report %+v", report)
	}
	unbalanced := []Entry{
		{Kind: KindTransferOut, AmountCents: -100},
		{Kind: KindTransferIn, AmountCents: 90},
	}
	if _, err := CheckConservation(unbalanced); !errors.Is(err, ErrUnbalanced) {
		test.Fatalf("expected ErrUnbalanced, got %v", err)
	}
}

func TestBalanceOfClampsWithdrawable(test *testing.T) {
	test.Parallel()
	balance := balanceOf(Wallet{AvailableCents: 300, LockedCents: 200, NonWithdrawableFloorCents: 500})
	if balance.TotalCents != 500 {
		test.Fatalf("expected total 500, got %d", balance.TotalCents)
	}
	if balance.WithdrawableCents != 0 {
		test.Fatalf("expected withdrawable 0, got %d", balance.WithdrawableCents)
	}
}
