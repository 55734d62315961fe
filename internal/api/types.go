package api

import (
	"autopay/internal/gateway"
	"autopay/internal/models"
	"autopay/internal/worker"
)

// ==================== Session ====================

// SessionResponse represents the wallet session snapshot
type SessionResponse struct {
	Phase   string         `json:"phase"`
	Session models.Session `json:"session"`
}

// ==================== Ledger ====================

// AmountRequest represents a deposit or withdraw request
type AmountRequest struct {
	Amount string `json:"amount"` // decimal, at most 18 fractional digits
}

// CreateScheduleRequest represents a request to create a payment schedule
type CreateScheduleRequest = gateway.ScheduleRequest

// PayNowRequest represents an immediate one-off payment
type PayNowRequest = gateway.PaymentRequest

// TransactionResponse represents a confirmed contract transaction
type TransactionResponse struct {
	Operation string                     `json:"operation"`
	Result    *gateway.TransactionResult `json:"result"`
}

// BalanceResponse represents the caller's contract balance
type BalanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// SchedulesResponse represents the caller's payment schedules.
// Indices are positions in the contract's list and must be re-fetched after
// every mutating call.
type SchedulesResponse struct {
	Address   string                   `json:"address"`
	Schedules []models.PaymentSchedule `json:"schedules"`
}

// OverviewResponse represents the cached dashboard snapshot
type OverviewResponse = worker.Overview

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
