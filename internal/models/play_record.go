// Package models defines the GORM persistence models for Turntable.
package models

import "time"

// PlayRecord is one started playback, kept as play history.
type PlayRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	ChatID       int64  `gorm:"index;not null"`
	Title        string `gorm:"size:256"`
	SourceURL    string `gorm:"size:512"`
	DurationSecs int
	Requester    string    `gorm:"size:64"`
	StartedAt    time.Time `gorm:"index"`
}
