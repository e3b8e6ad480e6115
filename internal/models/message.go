package models

import (
	"time"
)

// Message is a single uplink received from a device
type Message struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"deviceId"`
	UserID         string     `json:"userId,omitempty"`
	OrganizationID string     `json:"organizationId,omitempty"`
	Time           int64      `json:"time,omitempty"`
	SeqNumber      int        `json:"seqNumber,omitempty"`
	Data           string     `json:"data,omitempty"`
	Ack            bool       `json:"ack,omitempty"`
	Duplicate      bool       `json:"duplicate,omitempty"`
	Reception      []Station  `json:"reception,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	Device         *Device    `json:"Device,omitempty"`
	Geolocs        []Geoloc   `json:"Geolocs,omitempty"`
}

// Station is a base station that heard the message
type Station struct {
	ID   string  `json:"id"`
	RSSI float64 `json:"RSSI"`
	SNR  float64 `json:"SNR"`
}

// Device is the emitter of messages, included with each message
type Device struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// Location is a latitude/longitude pair
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geoloc is a position attached to a message
type Geoloc struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "sigfox", "gps", "wifi"...
	Location  Location  `json:"location"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	MessageID string    `json:"messageId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
}

// Organization groups devices and their messages under shared ownership
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ModelError is returned when a model value is invalid
type ModelError struct {
	Message string
}

func (e ModelError) Error() string {
	return e.Message
}

var (
	ErrEmptyMessageID  = ModelError{"message id cannot be empty"}
	ErrEmptyScopeID    = ModelError{"scope owner id cannot be empty"}
	ErrInvalidScope    = ModelError{"scope must be user or organization"}
	ErrInvalidLimit    = ModelError{"limit must be a positive integer"}
	ErrUnknownRelation = ModelError{"unknown relation"}
)
