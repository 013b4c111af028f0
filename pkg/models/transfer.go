package models

// Transfer is a single balance-moving event observed on chain.
// (transaction_hash, event_index) identifies the event uniquely;
// re-ingesting the same pair is a no-op on the store and its aggregates.
type Transfer struct {
	ID              int64  `json:"id,omitempty"`
	BlockNumber     int64  `json:"blockNumber"`
	BlockTimestamp  int64  `json:"blockTimestamp"` // Unix seconds
	FromAddress     string `json:"fromAddress"`
	ToAddress       string `json:"toAddress"`
	Amount          string `json:"amount"` // Decimal string, plancks
	TransactionHash string `json:"transactionHash,omitempty"`
	EventIndex      int    `json:"eventIndex"`

	// Annotations filled when listing transfers for a specific address.
	Direction    string `json:"direction,omitempty"` // "sent" or "received"
	Counterparty string `json:"counterparty,omitempty"`
}

// TransferStats aggregates all transfers for one (from, to) ordered pair.
type TransferStats struct {
	FromAddress        string `json:"fromAddress"`
	ToAddress          string `json:"toAddress"`
	TotalAmount        string `json:"totalAmount"` // Decimal string, plancks
	TransferCount      int64  `json:"transferCount"`
	FirstTransferBlock int64  `json:"firstTransferBlock"`
	LastTransferBlock  int64  `json:"lastTransferBlock"`
	AvgAmount          string `json:"avgAmount"`
}

// Relationship is the counterparty-level view served by the
// relationships endpoint: both directions between the address pair
// collapsed into one row, sorted by combined volume.
type Relationship struct {
	Address        string `json:"address"` // The counterparty
	TotalVolume    string `json:"totalVolume"`
	SentVolume     string `json:"sentVolume"`
	ReceivedVolume string `json:"receivedVolume"`
	TransferCount  int64  `json:"transferCount"`
	FirstBlock     int64  `json:"firstBlock"`
	LastBlock      int64  `json:"lastBlock"`
	Bidirectional  bool   `json:"bidirectional"`
}
