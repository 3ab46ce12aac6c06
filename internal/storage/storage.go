// Package storage persists ads, clusters and merge history.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adsets/internal/models"
)

var (
	// ErrNotFound is returned when a requested ad or cluster does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSignature is returned when a cluster write would violate
	// the unique content_signature constraint
	ErrDuplicateSignature = errors.New("duplicate content signature")
)

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime accepts our own layout and SQLite's CURRENT_TIMESTAMP layout
func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func encodeCreatives(c []models.Creative) (string, error) {
	if c == nil {
		c = []models.Creative{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode creatives: %w", err)
	}
	return string(b), nil
}

func decodeCreatives(s string) ([]models.Creative, error) {
	if s == "" {
		return nil, nil
	}
	var c []models.Creative
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("failed to decode creatives: %w", err)
	}
	return c, nil
}

func encodeMedia(m *models.Media) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode primary media: %w", err)
	}
	return string(b), nil
}

func decodeMedia(s string) (*models.Media, error) {
	if s == "" {
		return nil, nil
	}
	m := &models.Media{}
	if err := json.Unmarshal([]byte(s), m); err != nil {
		return nil, fmt.Errorf("failed to decode primary media: %w", err)
	}
	return m, nil
}
