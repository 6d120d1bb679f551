package registration

import "ms-registration/internal/apperror"

// PlatformFeePercent is charged on the base amount, rounded up to the next rupee.
const PlatformFeePercent = 2

func PlatformFee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return (amount*PlatformFeePercent + 99) / 100
}

// Totals fills in the fee and total unless the caller set them explicitly.
func Totals(amount int64, fee, total *int64) (int64, int64, error) {
	if amount < 0 {
		return 0, 0, apperror.Validation(apperror.CodeInvalidRequest, "amount cannot be negative")
	}

	f := PlatformFee(amount)
	if fee != nil {
		if *fee < 0 {
			return 0, 0, apperror.Validation(apperror.CodeInvalidRequest, "platform fee cannot be negative")
		}
		f = *fee
	}

	t := amount + f
	if total != nil {
		t = *total
	}
	if t < amount {
		return 0, 0, apperror.Validation(apperror.CodeInvalidRequest, "total amount %d is below base amount %d", t, amount)
	}
	return f, t, nil
}
