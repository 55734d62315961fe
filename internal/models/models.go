package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConnectionState represents the lifecycle of a wallet session
type ConnectionState string

const (
	ConnectionStateDisconnected  ConnectionState = "DISCONNECTED"
	ConnectionStateConnecting    ConnectionState = "CONNECTING"
	ConnectionStateConnected     ConnectionState = "CONNECTED"
	ConnectionStateDisconnecting ConnectionState = "DISCONNECTING"
)

// Session is a snapshot of the active wallet connection.
// Address and ChainID are set only while State is CONNECTED.
type Session struct {
	Address   string          `json:"address,omitempty"`
	ChainID   string          `json:"chain_id,omitempty"`
	State     ConnectionState `json:"state"`
	LastError string          `json:"last_error,omitempty"`
}

// Connected reports whether the session holds a live wallet connection
func (s Session) Connected() bool {
	return s.State == ConnectionStateConnected
}

// Frequency is the recurrence code understood by the scheduler contract
type Frequency uint8

const (
	FrequencyDaily   Frequency = 0
	FrequencyWeekly  Frequency = 1
	FrequencyMonthly Frequency = 2
)

var frequencyNames = map[Frequency]string{
	FrequencyDaily:   "daily",
	FrequencyWeekly:  "weekly",
	FrequencyMonthly: "monthly",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("frequency(%d)", uint8(f))
}

// Valid reports whether f is one of the known codes
func (f Frequency) Valid() bool {
	_, ok := frequencyNames[f]
	return ok
}

// ParseFrequency accepts either the numeric code or the lowercase name
func ParseFrequency(raw string) (Frequency, error) {
	code, err := parseCode(raw, len(frequencyNames), func(name string) (uint8, bool) {
		for f, n := range frequencyNames {
			if n == name {
				return uint8(f), true
			}
		}
		return 0, false
	})
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q: %w", raw, err)
	}
	return Frequency(code), nil
}

// UnmarshalJSON accepts 1 or "weekly"
func (f *Frequency) UnmarshalJSON(data []byte) error {
	parsed, err := ParseFrequency(unquote(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ConditionType is the condition code understood by the scheduler contract
type ConditionType uint8

const (
	ConditionNone       ConditionType = 0
	ConditionMinBalance ConditionType = 1
	ConditionMaxAmount  ConditionType = 2
)

var conditionNames = map[ConditionType]string{
	ConditionNone:       "none",
	ConditionMinBalance: "min_balance",
	ConditionMaxAmount:  "max_amount",
}

func (c ConditionType) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("condition(%d)", uint8(c))
}

// Valid reports whether c is one of the known codes
func (c ConditionType) Valid() bool {
	_, ok := conditionNames[c]
	return ok
}

// ParseConditionType accepts either the numeric code or the lowercase name
func ParseConditionType(raw string) (ConditionType, error) {
	code, err := parseCode(raw, len(conditionNames), func(name string) (uint8, bool) {
		for c, n := range conditionNames {
			if n == name {
				return uint8(c), true
			}
		}
		return 0, false
	})
	if err != nil {
		return 0, fmt.Errorf("invalid condition type %q: %w", raw, err)
	}
	return ConditionType(code), nil
}

// UnmarshalJSON accepts 2 or "max_amount"
func (c *ConditionType) UnmarshalJSON(data []byte) error {
	parsed, err := ParseConditionType(unquote(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// PaymentCondition guards execution of a scheduled payment
type PaymentCondition struct {
	Type      ConditionType `json:"type"`
	Threshold string        `json:"threshold"` // decimal amount
}

// PaymentSchedule is a read-only projection of a schedule held by the contract
type PaymentSchedule struct {
	Index         int              `json:"index"`
	Recipient     string           `json:"recipient"`
	Amount        string           `json:"amount"` // decimal amount
	Label         string           `json:"label"`
	Frequency     Frequency        `json:"frequency"`
	NextPaymentAt int64            `json:"next_payment_at"` // unix seconds
	Condition     PaymentCondition `json:"condition"`
}

// Due reports whether the schedule has reached its next eligible time
func (p PaymentSchedule) Due(now time.Time) bool {
	return p.NextPaymentAt <= now.Unix()
}

// OperationKind names a contract-backed operation
type OperationKind string

const (
	OperationDeposit        OperationKind = "deposit"
	OperationWithdraw       OperationKind = "withdraw"
	OperationCreateSchedule OperationKind = "create_payment_schedule"
	OperationPayNow         OperationKind = "pay_now"
	OperationExecutePayment OperationKind = "execute_payment"
)

// ResolutionState tracks an in-flight contract call
type ResolutionState string

const (
	ResolutionPending   ResolutionState = "PENDING"
	ResolutionConfirmed ResolutionState = "CONFIRMED"
	ResolutionFailed    ResolutionState = "FAILED"
)

// PendingOperation is the transient record of one contract call
type PendingOperation struct {
	ID          string          `json:"id"`
	Kind        OperationKind   `json:"kind"`
	SubmittedAt time.Time       `json:"submitted_at"`
	State       ResolutionState `json:"state"`
	TxHash      string          `json:"tx_hash,omitempty"`
}

func parseCode(raw string, count int, byName func(string) (uint8, bool)) (uint8, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return 0, fmt.Errorf("empty value")
	}
	if n, err := strconv.ParseUint(trimmed, 10, 8); err == nil {
		if int(n) >= count {
			return 0, fmt.Errorf("unknown code %d", n)
		}
		return uint8(n), nil
	}
	if code, ok := byName(trimmed); ok {
		return code, nil
	}
	return 0, fmt.Errorf("unknown name")
}

func unquote(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}
