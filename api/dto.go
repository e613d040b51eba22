/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the rewards
  model from the wire contract.

ENVELOPE:
  Success: {"success": true,  "data": ...}
  Failure: {"success": false, "error": {"code": ..., "message": ...}, "user": ...}

  "user" is only present on ALREADY_COMPLETED / ALREADY_COMPLETED_TODAY and
  carries the current balance so clients can reconcile optimistic state.

VALIDATION:
  Request types carry validator/v10 struct tags; handlers call validate().
*/
package api

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/warp/reward-ledger/rewards"
)

var validate = validator.New()

// =============================================================================
// ENVELOPE
// =============================================================================

type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
	User    *UserDTO  `json:"user,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CompleteTaskRequest is the body of POST /api/tasks/complete.
// IdempotencyKey may also be sent as the Idempotency-Key header.
type CompleteTaskRequest struct {
	UserID         string `json:"userId" validate:"required,max=128"`
	TaskID         string `json:"taskId" validate:"required,max=128"`
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"omitempty,max=255"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type UserDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
}

type RecordDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	TaskID    string `json:"taskId"`
	TaskTitle string `json:"taskTitle"`
	Delta     int64  `json:"delta"`
	CreatedAt string `json:"createdAt"`
	Note      string `json:"note,omitempty"`
}

type CompletionDTO struct {
	UserID string `json:"userId"`
	TaskID string `json:"taskId"`
	Date   string `json:"date"`
}

type TaskDTO struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Reward  int64  `json:"reward"`
	Enabled bool   `json:"enabled"`
}

type CompleteTaskResponse struct {
	User   UserDTO   `json:"user"`
	Record RecordDTO `json:"record"`
}

type UserDetailResponse struct {
	User        UserDTO         `json:"user"`
	Records     []RecordDTO     `json:"records"`
	Completions []CompletionDTO `json:"completions"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(v rewards.AccountView) UserDTO {
	return UserDTO{ID: string(v.ID), Name: v.Name, Points: v.Balance}
}

func toRecordDTO(e rewards.LedgerEntry) RecordDTO {
	return RecordDTO{
		ID:        string(e.ID),
		UserID:    string(e.UserID),
		TaskID:    string(e.TaskID),
		TaskTitle: e.TaskTitle,
		Delta:     e.Delta,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Note:      e.Note,
	}
}

func toTaskDTO(t rewards.Task) TaskDTO {
	return TaskDTO{
		ID:      string(t.ID),
		Title:   t.Title,
		Type:    string(t.Type),
		Reward:  t.Reward,
		Enabled: t.Enabled,
	}
}

func toCompletionDTO(c rewards.Completion) CompletionDTO {
	return CompletionDTO{UserID: string(c.UserID), TaskID: string(c.TaskID), Date: string(c.Period)}
}
