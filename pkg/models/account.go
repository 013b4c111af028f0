package models

import "time"

// Identity holds the on-chain identity registration for an account.
// Fields mirror the identity pallet: a display name plus optional
// contact handles, and the verification state from the registrars.
type Identity struct {
	Display       string `json:"display"`
	Legal         string `json:"legal,omitempty"`
	Web           string `json:"web,omitempty"`
	Email         string `json:"email,omitempty"`
	Twitter       string `json:"twitter,omitempty"`
	Riot          string `json:"riot,omitempty"`
	IsVerified    bool   `json:"isVerified"`
	ParentAddress string `json:"parentAddress,omitempty"` // Set for sub-identities
	SubDisplay    string `json:"subDisplay,omitempty"`    // Label under the parent, e.g. "treasury/payouts"
}

// Account is the persisted view of a chain address.
// Balance is a decimal string in plancks (the chain's smallest unit):
// balances exceed int64 range so all amount math goes through math/big.
type Account struct {
	Address        string    `json:"address"`
	Balance        string    `json:"balance"`
	Identity       *Identity `json:"identity,omitempty"`
	RiskLevel      *int      `json:"riskLevel,omitempty"` // 0-100 heuristic, nil = never scored
	Tags           []string  `json:"tags,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	FirstSeenBlock int64     `json:"firstSeenBlock"`
	LastSeenBlock  int64     `json:"lastSeenBlock"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AccountStats is the per-address aggregate derived from transfers.
// Recomputed inside the same transaction as each transfer insert, so it
// always matches the transfer table at any consistent snapshot.
type AccountStats struct {
	Address                  string `json:"address"`
	TotalReceived            string `json:"totalReceived"` // Decimal string, plancks
	TotalSent                string `json:"totalSent"`     // Decimal string, plancks
	ReceiveCount             int64  `json:"receiveCount"`
	SendCount                int64  `json:"sendCount"`
	UniqueSenders            int64  `json:"uniqueSenders"`
	UniqueReceivers          int64  `json:"uniqueReceivers"`
	FirstActivityBlock       int64  `json:"firstActivityBlock"`
	LastActivityBlock        int64  `json:"lastActivityBlock"`
	SuspiciousPatternCount   int64  `json:"suspiciousPatternCount"`
	HighRiskInteractionCount int64  `json:"highRiskInteractionCount"`
}
