// Package notification holds the data model shared by the router, the
// platform variants, the OS service backends and the tap dispatcher.
package notification

import (
	"unicode/utf8"

	"github.com/google/uuid"
)

// Importance orders how intrusively the OS presents a grouping.
type Importance int

const (
	ImportanceMin Importance = iota + 1
	ImportanceLow
	ImportanceDefault
	ImportanceHigh
	ImportanceMax
)

func (i Importance) String() string {
	switch i {
	case ImportanceMin:
		return "min"
	case ImportanceLow:
		return "low"
	case ImportanceDefault:
		return "default"
	case ImportanceHigh:
		return "high"
	case ImportanceMax:
		return "max"
	default:
		return "unspecified"
	}
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Style string

const (
	StyleDefault  Style = ""
	StyleLongText Style = "long_text"
)

// Presentation is a bitset of what the OS should do when displaying a
// notification while the app is foregrounded.
type Presentation uint8

const (
	PresentBanner Presentation = 1 << iota
	PresentSound
	PresentBadge

	PresentSystemDefault Presentation = 0
)

func (p Presentation) Has(flag Presentation) bool { return p&flag != 0 }

// Category semantics the OS may use to prioritize or group messages.
const CategoryMessage = "message"

// Action is a user-visible interaction attached to a grouping.
type Action struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Foreground bool   `json:"foreground"`
}

// Grouping is an OS channel (coarse services) or category (consent-based
// services) shared by every notification the bridge shows.
type Grouping struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Importance  Importance `json:"importance"`
	Lights      bool       `json:"lights"`
	Vibration   bool       `json:"vibration"`
	ShowBadge   bool       `json:"show_badge"`
	CategoryID  string     `json:"category_id"`
	Actions     []Action   `json:"actions"`
}

// TapAction returns the first foregrounding action, or the zero Action.
func (g Grouping) TapAction() Action {
	for _, a := range g.Actions {
		if a.Foreground {
			return a
		}
	}
	return Action{}
}

// Clone returns a deep copy so stored groupings can't be mutated by callers.
func (g Grouping) Clone() Grouping {
	g.Actions = append([]Action(nil), g.Actions...)
	return g
}

// Request is one notification instance handed to the OS service.
// The bridge keeps no reference to it after submission.
type Request struct {
	ID           string
	Title        string
	Body         string
	Payload      *string
	GroupingID   string
	CategoryID   string
	Category     string
	Importance   Importance
	Visibility   Visibility
	Style        Style
	Sound        bool
	TapAction    Action
	Presentation Presentation
}

// Response is what an OS service reports when the user interacts with a
// displayed notification. Payload is whatever was attached at submission.
type Response struct {
	RequestID string
	ActionID  string
	Payload   *string
}

// TapEvent is handed to the application layer exactly once.
type TapEvent struct {
	Payload  *string `json:"payload,omitempty"`
	ActionID string  `json:"action,omitempty"`
}

// NewID derives a fresh notification identifier (122 random bits).
func NewID() string { return uuid.NewString() }

// IsLongText reports whether body needs an expandable presentation when the
// collapsed view shows at most threshold characters. A negative threshold
// disables it.
func IsLongText(body string, threshold int) bool {
	if threshold < 0 {
		return false
	}
	return utf8.RuneCountInString(body) > threshold
}

// Ptr returns a pointer to a copy of s. Handy for optional payloads.
func Ptr(s string) *string { return &s }
