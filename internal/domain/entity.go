package domain

// Entities lists every persisted model, in migration order.
func Entities() []any {
	return []any{
		&Wallet{},
		&BalanceLock{},
		&Trx{},
		&Order{},
		&Fill{},
		&MarginPosition{},
		&MarginAlert{},
		&OTCQuote{},
	}
}
