package orders

const (
	TopicOrderCreated   = "order.created"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderPaid      = "order.paid"
	TopicOrderFinalized = "order.finalized"
	TopicEmailOutbound  = "notification.email"
)

// Partition key = order_id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
