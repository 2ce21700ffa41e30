package orders

type Status string

const (
	StatusCreated         Status = "Order Created"
	StatusWaitingPayment  Status = "Waiting Payment"
	StatusPaid            Status = "Paid"
	StatusDelivered       Status = "Delivered"
	StatusFailedToDeliver Status = "Failed to Deliver"
	StatusCancelled       Status = "Cancelled"
	// StatusCompleted is accepted by list filters only; no transition produces it.
	StatusCompleted Status = "Order Completed"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:         {StatusWaitingPayment: true},
	StatusWaitingPayment:  {StatusPaid: true, StatusCancelled: true},
	StatusPaid:            {StatusDelivered: true, StatusFailedToDeliver: true},
	StatusDelivered:       {},
	StatusFailedToDeliver: {},
	StatusCancelled:       {},
	StatusCompleted:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
