package domain

var (
	prepaidChain = []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
	}
	codChain = []OrderStatus{
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusDelivered,
	}
)

// StatusChain returns the forward status sequence for the payment method.
// The returned slice is a copy.
func StatusChain(method PaymentMethod) []OrderStatus {
	if method == PaymentMethodCOD {
		return append([]OrderStatus(nil), codChain...)
	}
	return append([]OrderStatus(nil), prepaidChain...)
}

// EntryStatus is the status an order of the given method is created in.
func EntryStatus(method PaymentMethod) OrderStatus {
	if method == PaymentMethodCOD {
		return OrderStatusProcessing
	}
	return OrderStatusPending
}

// StatusRank orders chain statuses. Terminal and unknown statuses rank -1.
func StatusRank(status OrderStatus) int {
	for i, s := range prepaidChain {
		if s == status {
			return i
		}
	}
	return -1
}

// CanFollow reports whether a tracking event with status next may be appended
// after an event with status prev. Nothing follows a terminal event, terminal
// events may follow anything else, and chain statuses never move backwards.
func CanFollow(prev, next OrderStatus) bool {
	if prev.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return StatusRank(next) >= StatusRank(prev)
}
