package engine

import "github.com/talgya/creditnet/internal/agent"

// LedgerAction tags the economic event a ledger entry records.
type LedgerAction string

const (
	LedgerRoute     LedgerAction = "ROUTE"
	LedgerReserve   LedgerAction = "RESERVE"
	LedgerCommit    LedgerAction = "COMMIT"
	LedgerAbort     LedgerAction = "ABORT"
	LedgerBurn      LedgerAction = "BURN"
	LedgerBancorTax LedgerAction = "BANCOR_TAX"
	LedgerBancorFee LedgerAction = "BANCOR_FEE"
	LedgerLiquidate LedgerAction = "LIQUIDATE"
)

// LedgerEntry is an immutable audit record of one economic event, with
// before/after snapshots of the pool level, price, and friction. Entries are
// append-only and never mutated after creation; the ledger is the system's
// event log.
type LedgerEntry struct {
	Step         int          `json:"step"`
	AgentID      agent.ID     `json:"agentId"`
	Action       LedgerAction `json:"action"`
	DeltaY       float64      `json:"deltaY"`
	DeltaBalance float64      `json:"deltaBalance"`
	DeltaQuota   float64      `json:"deltaQuota"`
	YBefore      float64      `json:"yBefore"`
	YAfter       float64      `json:"yAfter"`
	PriceBefore  float64      `json:"priceBefore"`
	PriceAfter   float64      `json:"priceAfter"`
	FBefore      float64      `json:"fBefore"`
	FAfter       float64      `json:"fAfter"`
	Description  string       `json:"description"`
}
