package domain

type CancellationPolicy string

const (
	PolicyFlexible      CancellationPolicy = "FLEXIBLE"
	PolicyModerate      CancellationPolicy = "MODERATE"
	PolicyStrict        CancellationPolicy = "STRICT"
	PolicyNonRefundable CancellationPolicy = "NON_REFUNDABLE"
)

func (p CancellationPolicy) Valid() bool {
	switch p {
	case PolicyFlexible, PolicyModerate, PolicyStrict, PolicyNonRefundable:
		return true
	}
	return false
}

// RefundCalculation is the output of the cancellation policy engine.
type RefundCalculation struct {
	RefundAmount     Money `json:"refund_amount"`
	RefundPercent    int   `json:"refund_percent"`
	DaysUntilCheckIn int   `json:"days_until_check_in"`
}
