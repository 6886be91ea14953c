package ledger

import (
	"errors"
	"fmt"
	"time"

	"BatchSettle/internal/model"
)

var (
	ErrPaused             = errors.New("engine is paused")
	ErrUnauthorized       = errors.New("caller is not an operator")
	ErrTooEarly           = errors.New("batch is not yet eligible for processing")
	ErrAlreadyProcessed   = errors.New("batch was already processed")
	ErrNotYetClaimable    = errors.New("batch has not yet been processed")
	ErrInsufficientShares = errors.New("account has insufficient shares")
	ErrInsufficientFunds  = errors.New("account has insufficient funds")
	ErrNoClaim            = errors.New("account has no claim in batch")
	ErrWrongBatchKind     = errors.New("incorrect batch kind")
	ErrLengthMismatch     = errors.New("batch and amount lists must have the same length")
	ErrZeroAmount         = errors.New("amount must be greater than zero")
	ErrTransferFailed     = errors.New("transfer failed")
	ErrConversionFailed   = errors.New("conversion failed")

	ErrBatchNotFound = errors.New("batch not found")
	ErrEmptyBatch    = errors.New("batch has nothing to process")
	ErrInvalidKind   = errors.New("invalid batch kind")
	ErrInvalidParam  = errors.New("invalid parameter")

	ErrStakingUnavailable = errors.New("staking is not configured")
)

// TooEarlyError reports how far a batch is from either processing condition.
type TooEarlyError struct {
	Batch        model.BatchID
	Remaining    time.Duration
	ThresholdGap model.Amount
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("%s: %s needs %s more or %s more supplied",
		ErrTooEarly.Error(), e.Batch, e.Remaining.Round(time.Second), e.ThresholdGap)
}

func (e *TooEarlyError) Unwrap() error { return ErrTooEarly }

var kindNames = []struct {
	err  error
	name string
}{
	{ErrPaused, "paused"},
	{ErrUnauthorized, "unauthorized"},
	{ErrTooEarly, "too_early"},
	{ErrAlreadyProcessed, "already_processed"},
	{ErrNotYetClaimable, "not_yet_claimable"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrNoClaim, "no_claim"},
	{ErrWrongBatchKind, "wrong_batch_kind"},
	{ErrLengthMismatch, "length_mismatch"},
	{ErrZeroAmount, "zero_amount"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrConversionFailed, "conversion_failed"},
	{ErrBatchNotFound, "batch_not_found"},
	{ErrEmptyBatch, "empty_batch"},
	{ErrInvalidKind, "invalid_kind"},
	{ErrInvalidParam, "invalid_param"},
	{ErrStakingUnavailable, "staking_unavailable"},
	{model.ErrOverflow, "overflow"},
}

// ErrorKind returns a stable label for err, "success" for nil and "internal"
// for errors outside the ledger taxonomy.
func ErrorKind(err error) string {
	if err == nil {
		return "success"
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

func transferFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}

func conversionFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrConversionFailed, err)
}
