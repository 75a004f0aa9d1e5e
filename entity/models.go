package entity

import (
	"strings"
	"time"
)

// Type classifies the party on the other side of a dispute.
type Type string

const (
	TypeBureau    Type = "BUREAU"
	TypeFurnisher Type = "FURNISHER"
	TypeCollector Type = "COLLECTOR"
)

// ParseType normalises a caller-supplied entity type.
func ParseType(s string) (Type, bool) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeBureau, TypeFurnisher, TypeCollector:
		return t, true
	default:
		return "", false
	}
}

// Profile is one reporting entity known to the directory.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeName is the comparison key for entity names.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}
