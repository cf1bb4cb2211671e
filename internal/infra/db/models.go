package db

import "time"

type PurchaseRequestModel struct {
	ID            string `gorm:"primaryKey;size:66"`
	Buyer         string `gorm:"index;not null"`
	AmountPaid    int64  `gorm:"not null"`
	State         string `gorm:"index;not null"`
	DataHash      string
	FailureReason string

	EscrowReleased bool `gorm:"not null"`
	EscrowRefunded bool `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (PurchaseRequestModel) TableName() string { return "purchase_requests" }

type AttestationRecordModel struct {
	RequestID      string `gorm:"primaryKey;size:66"`
	PayloadVersion int    `gorm:"not null"`
	PayloadType    string `gorm:"not null"`
	Parameters     []byte `gorm:"type:jsonb"`
	Status         string `gorm:"index;not null"`
	Handle         string `gorm:"index"`
	Response       []byte `gorm:"type:bytea"`
	Proof          []byte `gorm:"type:bytea"`
	Attempts       int    `gorm:"not null"`

	SubmittedAt time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (AttestationRecordModel) TableName() string { return "attestation_records" }

// RandomValue is stored as a decimal string; beacon values exceed 64
// bits.
type RandomnessRecordModel struct {
	ID              string `gorm:"primaryKey;size:66"`
	RandomValue     string `gorm:"not null"`
	IsSecure        bool   `gorm:"not null"`
	SourceTimestamp int64  `gorm:"not null"`

	StoredAt time.Time `gorm:"not null"`
}

func (RandomnessRecordModel) TableName() string { return "randomness_records" }

type AuditEventModel struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	RequestID     string `gorm:"size:66;index:idx_audit_request_seq,unique;not null"`
	Seq           int64  `gorm:"index:idx_audit_request_seq,unique;not null"`
	EventType     string `gorm:"not null"`
	PayloadJSON   []byte `gorm:"type:jsonb;not null"`
	PayloadHash   string `gorm:"not null"`
	PrevEventHash string `gorm:"not null"`
	EventHash     string `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
