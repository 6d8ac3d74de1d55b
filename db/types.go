package db

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DepositStateSeen       = "seen"
	DepositStateConfirming = "confirming"
	DepositStateConfirmed  = "confirmed"
	DepositStateOrphaned   = "orphaned"
)

const (
	PayoutStatusPending      = "pending"
	PayoutStatusScheduled    = "scheduled"
	PayoutStatusAuthorized   = "authorized"
	PayoutStatusBroadcasting = "broadcasting"
	PayoutStatusProcessing   = "processing"
	PayoutStatusCompleted    = "completed"
	PayoutStatusFailed       = "failed"
	PayoutStatusCancelled    = "cancelled"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// SystemPrincipal owns settlement-generated payouts.
const SystemPrincipal = "system"

const (
	DeadLetterNotify = "notify"
)

type BaseTable struct {
	Id          uint64    `gorm:"primaryKey;autoIncrement"`
	UpdatedTime time.Time `gorm:"autoUpdateTime"`
	CreatedTime time.Time `gorm:"autoCreateTime"`
}

type ConfigTable struct {
	Name  string `gorm:"size:191;uniqueIndex"`
	Value string

	BaseTable
}

func (ConfigTable) TableName() string {
	return "config"
}

type Migration struct {
	Version   int    `gorm:"primaryKey;autoIncrement:false"`
	Name      string `gorm:"size:128"`
	AppliedAt time.Time
}

func (Migration) TableName() string {
	return "migrations"
}

// WatchedAddress is a receiving address the pollers scan. CreatedTime is the addedAt instant.
type WatchedAddress struct {
	Chain   string `gorm:"size:32;not null;uniqueIndex:idx_watched_chain_address,priority:1"`
	Address string `gorm:"size:128;not null;uniqueIndex:idx_watched_chain_address,priority:2"`
	Label   string `gorm:"size:100"`
	Active  bool   `gorm:"index"`
	AddedBy string `gorm:"size:64"`

	BaseTable
}

func (WatchedAddress) TableName() string {
	return "watched_addresses"
}

type Deposit struct {
	Chain         string          `gorm:"size:32;not null;uniqueIndex:idx_deposit_key,priority:1"`
	Txid          string          `gorm:"size:128;not null;uniqueIndex:idx_deposit_key,priority:2"`
	Vout          uint32          `gorm:"not null;uniqueIndex:idx_deposit_key,priority:3"`
	Address       string          `gorm:"size:128;index"`
	Amount        decimal.Decimal `gorm:"type:decimal(38,18)"`
	FirstSeenAt   time.Time
	BlockHeight   *uint64
	Confirmations uint64
	State         string `gorm:"size:16;index"`
	ConfirmedAt   *time.Time
	NotifiedAt    *time.Time
	SettledAt     *time.Time

	BaseTable
}

func (Deposit) TableName() string {
	return "deposits"
}

type AutoSettlementRule struct {
	Chain              string              `gorm:"size:32;not null;index"`
	DestinationAddress string              `gorm:"size:128;not null"`
	PercentageBps      int                 `gorm:"not null"`
	Label              string              `gorm:"size:100"`
	Enabled            bool
	MinThreshold       decimal.Decimal     `gorm:"type:decimal(38,18)"`
	MaxAmount          decimal.NullDecimal `gorm:"type:decimal(38,18)"`

	BaseTable
}

func (AutoSettlementRule) TableName() string {
	return "auto_settlement_rules"
}

type Payout struct {
	Chain       string              `gorm:"size:32;not null;index"`
	ToAddress   string              `gorm:"size:128;not null"`
	Amount      decimal.Decimal     `gorm:"type:decimal(38,18)"`
	Fee         decimal.NullDecimal `gorm:"type:decimal(38,18)"`
	Priority    string              `gorm:"size:8"`
	Status      string              `gorm:"size:16;index"`
	CreatedBy   string              `gorm:"size:64"`
	ProcessedAt *time.Time
	Txid        *string `gorm:"size:128;index"`
	Notes       string  `gorm:"size:255"`
	BatchId     *string `gorm:"size:36;index"`
	// SourceDepositId and RuleId are set together for settlement payouts.
	SourceDepositId *uint64 `gorm:"uniqueIndex:idx_payout_settlement,priority:1"`
	RuleId          *uint64 `gorm:"uniqueIndex:idx_payout_settlement,priority:2"`
	ScheduledAt     *time.Time
	Attempts        int
	LastError       string `gorm:"size:255"`

	BaseTable
}

func (Payout) TableName() string {
	return "payouts"
}

func (p *Payout) IsTerminal() bool {
	switch p.Status {
	case PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCancelled:
		return true
	}
	return false
}

type TransactionPin struct {
	UserId         string `gorm:"size:64;not null;uniqueIndex"`
	PinHash        string `gorm:"size:128"`
	Salt           string `gorm:"size:64"`
	LastUsedAt     *time.Time
	FailedAttempts int
	LockedUntil    *time.Time

	BaseTable
}

func (TransactionPin) TableName() string {
	return "transaction_pins"
}

// SecurityEvent rows are only ever inserted.
type SecurityEvent struct {
	Id      uint64    `gorm:"primaryKey;autoIncrement"`
	At      time.Time `gorm:"index"`
	UserId  string    `gorm:"size:64;index"`
	Action  string    `gorm:"size:64;index"`
	Success bool
	Details string `gorm:"size:512"`
}

func (SecurityEvent) TableName() string {
	return "security_events"
}

type DeadLetter struct {
	Kind     string `gorm:"size:32;not null;uniqueIndex:idx_dead_letter_ref,priority:1"`
	RefId    uint64 `gorm:"not null;uniqueIndex:idx_dead_letter_ref,priority:2"`
	Reason   string `gorm:"size:512"`
	Attempts int

	BaseTable
}

func (DeadLetter) TableName() string {
	return "dead_letters"
}

// OutboundTx is the ledger's view of a broadcast payout transaction.
type OutboundTx struct {
	Chain         string `gorm:"size:32;not null;uniqueIndex:idx_outbound_key,priority:1"`
	Txid          string `gorm:"size:128;not null;uniqueIndex:idx_outbound_key,priority:2"`
	BlockHeight   *uint64
	Confirmations uint64
	Failed        bool

	BaseTable
}

func (OutboundTx) TableName() string {
	return "outbound_txs"
}
