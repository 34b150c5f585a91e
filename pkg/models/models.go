// Package models holds the wire types shared by the server, the simulator and
// the event stream.
package models

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the JWT claims of an access token.
type AccessClaims struct {
	Queue  string `json:"queue"`
	UserID int64  `json:"uid"`
	jwt.RegisteredClaims
}

// QueueStatus is a user's view of one queue.
type QueueStatus struct {
	Rank      int64   `json:"rank"`
	TotalSize int64   `json:"total_size"`
	Progress  float64 `json:"progress"`
}

// RegisterUserResponse answers an enrollment.
type RegisterUserResponse struct {
	Rank int64 `json:"rank"`
}

// AllowUserResponse answers a manual promotion.
type AllowUserResponse struct {
	RequestCount int64 `json:"requestCount"`
	AllowedCount int64 `json:"allowedCount"`
}

// AllowedUserResponse answers an access check.
type AllowedUserResponse struct {
	Allowed bool `json:"allowed"`
}

// QueueStatusResponse is what the waiting page polls.
type QueueStatusResponse struct {
	QueueFront int64   `json:"queueFront"` // users ahead
	QueueBack  int64   `json:"queueBack"`
	Progress   float64 `json:"progress"`
}

// NewQueueStatusResponse splits a status into the people ahead of and behind
// the user. An unranked user (rank <= 0) keeps the raw rank as QueueFront.
func NewQueueStatusResponse(s QueueStatus) QueueStatusResponse {
	front := s.Rank
	if s.Rank > 0 {
		front = s.Rank - 1
	}
	return QueueStatusResponse{
		QueueFront: front,
		QueueBack:  s.TotalSize - s.Rank,
		Progress:   s.Progress,
	}
}

// WaitingRoomResponse is returned to a user who is not yet allowed through.
type WaitingRoomResponse struct {
	Queue  string `json:"queue"`
	UserID int64  `json:"userId"`
	QueueStatusResponse
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventType names what happened to a queue.
type EventType string

const (
	EventEnrolled EventType = "enrolled"
	EventAdmitted EventType = "admitted"
)

// QueueEvent is published whenever users join or are admitted.
type QueueEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Queue     string    `json:"queue"`
	UserIDs   []int64   `json:"user_ids"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// ToJSON marshals the event.
func (e *QueueEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON unmarshals data into the event.
func (e *QueueEvent) FromJSON(data []byte) error {
	return json.Unmarshal(data, e)
}
