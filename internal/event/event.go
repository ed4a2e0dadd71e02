// Package event defines the closed set of context events adaptd observes.
//
// The set is sealed: every variant implements the unexported marker method,
// so no other package can introduce new event types. Code that consumes
// events switches over the concrete types; the codec test fails if a variant
// is added without updating the wire mapping.
//
// Timestamps are assigned at construction and immutable afterwards. Use
// WithTime to rebuild an event at an explicit instant (decode and tests).
package event

import "time"

// Kind discriminates event variants on the wire and in filters.
type Kind string

// Event kinds.
const (
	KindMessage            Kind = "message"
	KindSuggestionAccepted Kind = "suggestion_accepted"
	KindSuggestionRejected Kind = "suggestion_rejected"
	KindPhotoEdited        Kind = "photo_edited"
	KindVideoEdited        Kind = "video_edited"
	KindTextEdited         Kind = "text_edited"
	KindToolExecuted       Kind = "tool_executed"
	KindQuerySubmitted     Kind = "query_submitted"
	KindLocationAccessed   Kind = "location_accessed"
	KindMotionDetected     Kind = "motion_detected"
)

// Kinds lists every event kind. The codec test walks this to enforce
// exhaustive wire coverage.
func Kinds() []Kind {
	return []Kind{
		KindMessage,
		KindSuggestionAccepted,
		KindSuggestionRejected,
		KindPhotoEdited,
		KindVideoEdited,
		KindTextEdited,
		KindToolExecuted,
		KindQuerySubmitted,
		KindLocationAccessed,
		KindMotionDetected,
	}
}

// Role identifies the author of a conversation message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event is the sealed interface over all context event variants.
type Event interface {
	// Kind returns the variant discriminator.
	Kind() Kind
	// Time returns the immutable capture timestamp.
	Time() time.Time

	sealed()
}

// stamp carries the capture timestamp shared by all variants.
type stamp struct {
	at time.Time
}

func (s stamp) Time() time.Time { return s.at }
func (s stamp) sealed()         {}

func now() stamp {
	return stamp{at: time.Now().UTC()}
}

// Message records a conversation turn.
type Message struct {
	stamp
	Role Role
	Text string
}

func (Message) Kind() Kind { return KindMessage }

// NewMessage creates a message event stamped with the current time.
func NewMessage(role Role, text string) Message {
	return Message{stamp: now(), Role: role, Text: text}
}

// SuggestionAccepted records the user accepting a tool suggestion.
type SuggestionAccepted struct {
	stamp
	Tool string
}

func (SuggestionAccepted) Kind() Kind { return KindSuggestionAccepted }

// NewSuggestionAccepted creates a suggestion-accepted event.
func NewSuggestionAccepted(tool string) SuggestionAccepted {
	return SuggestionAccepted{stamp: now(), Tool: tool}
}

// SuggestionRejected records the user rejecting a tool suggestion.
type SuggestionRejected struct {
	stamp
	Tool string
}

func (SuggestionRejected) Kind() Kind { return KindSuggestionRejected }

// NewSuggestionRejected creates a suggestion-rejected event.
func NewSuggestionRejected(tool string) SuggestionRejected {
	return SuggestionRejected{stamp: now(), Tool: tool}
}

// PhotoEdited records an edit to a photo asset.
type PhotoEdited struct {
	stamp
	AssetID string
}

func (PhotoEdited) Kind() Kind { return KindPhotoEdited }

// NewPhotoEdited creates a photo-edited event.
func NewPhotoEdited(assetID string) PhotoEdited {
	return PhotoEdited{stamp: now(), AssetID: assetID}
}

// VideoEdited records an edit to a video asset.
type VideoEdited struct {
	stamp
	AssetID string
}

func (VideoEdited) Kind() Kind { return KindVideoEdited }

// NewVideoEdited creates a video-edited event.
func NewVideoEdited(assetID string) VideoEdited {
	return VideoEdited{stamp: now(), AssetID: assetID}
}

// TextEdited records a text editing action with no payload.
type TextEdited struct {
	stamp
}

func (TextEdited) Kind() Kind { return KindTextEdited }

// NewTextEdited creates a text-edited event.
func NewTextEdited() TextEdited {
	return TextEdited{stamp: now()}
}

// ToolExecuted records a tool run and whether it succeeded.
type ToolExecuted struct {
	stamp
	Tool    string
	Success bool
}

func (ToolExecuted) Kind() Kind { return KindToolExecuted }

// NewToolExecuted creates a tool-executed event.
func NewToolExecuted(tool string, success bool) ToolExecuted {
	return ToolExecuted{stamp: now(), Tool: tool, Success: success}
}

// QuerySubmitted records a user query.
type QuerySubmitted struct {
	stamp
	Text string
}

func (QuerySubmitted) Kind() Kind { return KindQuerySubmitted }

// NewQuerySubmitted creates a query-submitted event.
func NewQuerySubmitted(text string) QuerySubmitted {
	return QuerySubmitted{stamp: now(), Text: text}
}

// LocationAccessed records a location read with no payload.
type LocationAccessed struct {
	stamp
}

func (LocationAccessed) Kind() Kind { return KindLocationAccessed }

// NewLocationAccessed creates a location-accessed event.
func NewLocationAccessed() LocationAccessed {
	return LocationAccessed{stamp: now()}
}

// MotionDetected records a motion state change.
type MotionDetected struct {
	stamp
	State string
}

func (MotionDetected) Kind() Kind { return KindMotionDetected }

// NewMotionDetected creates a motion-detected event.
func NewMotionDetected(state string) MotionDetected {
	return MotionDetected{stamp: now(), State: state}
}

// ToolName returns the tool referenced by the event, if any. Only
// suggestion and execution events carry one.
func ToolName(e Event) (string, bool) {
	switch v := e.(type) {
	case SuggestionAccepted:
		return v.Tool, true
	case SuggestionRejected:
		return v.Tool, true
	case ToolExecuted:
		return v.Tool, true
	default:
		return "", false
	}
}

// WithTime returns a copy of the event stamped at the given instant.
// The original is left untouched.
func WithTime(e Event, at time.Time) Event {
	s := stamp{at: at.UTC()}
	switch v := e.(type) {
	case Message:
		v.stamp = s
		return v
	case SuggestionAccepted:
		v.stamp = s
		return v
	case SuggestionRejected:
		v.stamp = s
		return v
	case PhotoEdited:
		v.stamp = s
		return v
	case VideoEdited:
		v.stamp = s
		return v
	case TextEdited:
		v.stamp = s
		return v
	case ToolExecuted:
		v.stamp = s
		return v
	case QuerySubmitted:
		v.stamp = s
		return v
	case LocationAccessed:
		v.stamp = s
		return v
	case MotionDetected:
		v.stamp = s
		return v
	default:
		return e
	}
}
