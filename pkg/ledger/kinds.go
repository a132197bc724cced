package ledger

import (
	"fmt"
	"strings"
)

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	KindDeposit       EntryKind = "deposit"
	KindRentalCharge  EntryKind = "rental_charge"
	KindRentalPayment EntryKind = "rental_payment"
	KindRefund        EntryKind = "refund"
	KindFranchiseUser EntryKind = "franchise_user"
	KindFranchiseFund EntryKind = "franchise_fund"
	KindWithdrawal    EntryKind = "withdrawal"
	KindAdjustment    EntryKind = "adjustment"
	KindBonus         EntryKind = "bonus"
	KindFee           EntryKind = "fee"
	KindTransferIn    EntryKind = "transfer_in"
	KindTransferOut   EntryKind = "transfer_out"
	KindLock          EntryKind = "lock"
	KindUnlock        EntryKind = "unlock"
)

// Flow classifies where the counterpart of an entry lives.
type Flow int

const (
	// FlowInternal entries are balanced by other ledger entries under the same ref.
	FlowInternal Flow = iota
	// FlowInbound entries bring money into the ledger from outside.
	FlowInbound
	// FlowOutbound entries move money out of the ledger.
	FlowOutbound
	// FlowGuaranteeFund entries are balanced by guarantee fund movements under the same ref.
	FlowGuaranteeFund
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	if _, err := kind.Flow(); err != nil {
		return "", err
	}
	return kind, nil
}

// String returns the kind name.
func (kind EntryKind) String() string {
	return string(kind)
}

// Flow reports how an entry of this kind is balanced.
func (kind EntryKind) Flow() (Flow, error) {
	switch kind {
	case KindDeposit, KindBonus, KindAdjustment:
		return FlowInbound, nil
	case KindWithdrawal:
		return FlowOutbound, nil
	case KindFranchiseFund:
		return FlowGuaranteeFund, nil
	case KindRentalCharge,
		KindRentalPayment,
		KindRefund,
		KindFranchiseUser,
		KindFee,
		KindTransferIn,
		KindTransferOut,
		KindLock,
		KindUnlock:
		return FlowInternal, nil
	default:
		return FlowInternal, fmt.Errorf("%w: %q", ErrInvalidEntryKind, string(kind))
	}
}

// ConservationReport summarizes the entries written under one ref.
type ConservationReport struct {
	InternalNetCents   AmountCents
	InboundCents       AmountCents
	OutboundCents      AmountCents
	GuaranteeFundCents AmountCents
}

// CheckConservation verifies that internal legs of a ref net to zero and reports the
// external flows the remaining entries must be matched against.
func CheckConservation(entries []Entry) (ConservationReport, error) {
	report := ConservationReport{}
	for _, entry := range entries {
		flow, err := entry.Kind.Flow()
		if err != nil {
			return ConservationReport{}, err
		}
		switch flow {
		case FlowInbound:
			report.InboundCents += entry.AmountCents
		case FlowOutbound:
			report.OutboundCents += entry.AmountCents
		case FlowGuaranteeFund:
			report.GuaranteeFundCents += entry.AmountCents
		case FlowInternal:
			report.InternalNetCents += entry.AmountCents
		}
	}
	if report.InternalNetCents != 0 {
		return report, fmt.Errorf("%w: internal legs net to %d", ErrUnbalanced, report.InternalNetCents)
	}
	return report, nil
}
