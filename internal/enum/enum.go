package enum

// ── Group A: State machines (CHECK constrained in DB) ──

const (
	CommissionStatusPending   = "pending"
	CommissionStatusAvailable = "available"
	CommissionStatusPaid      = "paid"
	CommissionStatusApplied   = "applied"
	CommissionStatusVoid      = "void"
)

const (
	PaymentStatusUnpaid  = "unpaid"
	PaymentStatusPartial = "partial"
	PaymentStatusPaid    = "paid"
)

const (
	SignalStatusPending    = "pending"
	SignalStatusAutoPosted = "auto_posted"
	SignalStatusApproved   = "approved"
	SignalStatusRejected   = "rejected"
	SignalStatusSkipped    = "skipped"
)

// ── Group C: Borderline (CHECK constrained in DB) ──

const (
	PartnerTierSenior    = "senior"
	PartnerTierStandard  = "standard"
	PartnerTierAssociate = "associate"
	PartnerTierExecutive = "executive"
)

const (
	ObligationSourceOrder    = "order"
	ObligationSourceMovement = "movement"
)

const (
	CommissionTypeDirect             = "direct"
	CommissionTypeSecondTierOverride = "second_tier_override"
	CommissionTypeThirdTierOverride  = "third_tier_override"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

const (
	MatchProvenanceRule   = "rule"
	MatchProvenanceAI     = "ai"
	MatchProvenanceManual = "manual"
)

const (
	CreditEventCommissionConverted = "commission_converted"
	CreditEventSettlementBanked    = "settlement_banked"
	CreditEventCreditRedeemed      = "credit_redeemed"
	CreditEventAdjustment          = "adjustment"
)

const (
	UserRoleAdmin      = "admin"
	UserRoleSuperAdmin = "super_admin"
	UserRolePartner    = "partner"
	UserRoleScanner    = "scanner"
)

// ── Group B: Configurable labels (no DB constraint) ──

const (
	PaymentMethodVenmo      = "venmo"
	PaymentMethodCashApp    = "cashapp"
	PaymentMethodZelle      = "zelle"
	PaymentMethodPayPal     = "paypal"
	PaymentMethodCash       = "cash"
	PaymentMethodCard       = "card"
	PaymentMethodCredit     = "credit"
	PaymentMethodCommission = "commission"
	PaymentMethodOther      = "other"
)

const (
	PaymentSourceManual     = "manual"
	PaymentSourceSignal     = "signal"
	PaymentSourceSettlement = "settlement"
	PaymentSourceBatch      = "batch"
	PaymentSourceBulk       = "bulk"
	PaymentSourceCredit     = "credit"
)
