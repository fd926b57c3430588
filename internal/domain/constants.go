package domain

// Escrow statuses. Strictly forward: funded is the initial state,
// released and refunded are terminal, disputed blocks automation.
const (
	StatusFunded    = "funded"
	StatusCompleted = "completed"
	StatusDisputed  = "disputed"
	StatusReleased  = "released"
	StatusRefunded  = "refunded"
)

// Event kinds recorded in the append-only escrow event log.
const (
	EventCreated      = "created"
	EventCompleted    = "completed"
	EventReleased     = "released"
	EventDisputed     = "disputed"
	EventAutoRefunded = "auto_refunded"
)

// Ledger movement directions.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// Ledger movement reasons.
const (
	ReasonEscrowFund         = "escrow_fund"
	ReasonEscrowFundReversal = "escrow_fund_reversal"
	ReasonEscrowPayout       = "escrow_payout"
	ReasonEscrowRefund       = "escrow_refund"
	ReasonReferralCommission = "referral_commission"
)
