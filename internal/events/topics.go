package events

// Topic constants for domain events emitted by the register.
const (
	TopicSaleCompleted     = "sale.completed"
	TopicSaleDegraded      = "sale.degraded"
	TopicInventoryAdjusted = "inventory.adjusted"
	TopicTaxRatesReloaded  = "tax_rates.reloaded"
)

// DefaultTopics returns the canonical list of topics published by the bus.
func DefaultTopics() []string {
	return []string{
		TopicSaleCompleted,
		TopicSaleDegraded,
		TopicInventoryAdjusted,
		TopicTaxRatesReloaded,
	}
}

var knownTopics = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DefaultTopics()))
	for _, t := range DefaultTopics() {
		m[t] = struct{}{}
	}
	return m
}()

func isKnownTopic(topic string) bool {
	_, ok := knownTopics[topic]
	return ok
}
