package event

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Codec errors.
var (
	ErrUnknownKind   = errors.New("event: unknown event kind")
	ErrCorruptRecord = errors.New("event: corrupt event record")
)

// maxRecordSize bounds a single encoded record so a corrupt length prefix
// cannot trigger a huge allocation.
const maxRecordSize = 1 << 20

// record is the kind-discriminated wire form shared by all variants.
// Optional fields are omitted when the variant does not carry them.
type record struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Role    Role      `json:"role,omitempty"`
	Text    string    `json:"text,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	AssetID string    `json:"asset_id,omitempty"`
	Success *bool     `json:"success,omitempty"`
	State   string    `json:"state,omitempty"`
}

// Encode serializes a single event to its wire record.
func Encode(e Event) ([]byte, error) {
	rec := record{Kind: e.Kind(), At: e.Time()}
	switch v := e.(type) {
	case Message:
		rec.Role = v.Role
		rec.Text = v.Text
	case SuggestionAccepted:
		rec.Tool = v.Tool
	case SuggestionRejected:
		rec.Tool = v.Tool
	case PhotoEdited:
		rec.AssetID = v.AssetID
	case VideoEdited:
		rec.AssetID = v.AssetID
	case TextEdited:
	case ToolExecuted:
		rec.Tool = v.Tool
		rec.Success = &v.Success
	case QuerySubmitted:
		rec.Text = v.Text
	case LocationAccessed:
	case MotionDetected:
		rec.State = v.State
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, e)
	}
	return json.Marshal(rec)
}

// Decode rebuilds an event from its wire record.
func Decode(data []byte) (Event, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var e Event
	switch rec.Kind {
	case KindMessage:
		e = Message{Role: rec.Role, Text: rec.Text}
	case KindSuggestionAccepted:
		e = SuggestionAccepted{Tool: rec.Tool}
	case KindSuggestionRejected:
		e = SuggestionRejected{Tool: rec.Tool}
	case KindPhotoEdited:
		e = PhotoEdited{AssetID: rec.AssetID}
	case KindVideoEdited:
		e = VideoEdited{AssetID: rec.AssetID}
	case KindTextEdited:
		e = TextEdited{}
	case KindToolExecuted:
		success := false
		if rec.Success != nil {
			success = *rec.Success
		}
		e = ToolExecuted{Tool: rec.Tool, Success: success}
	case KindQuerySubmitted:
		e = QuerySubmitted{Text: rec.Text}
	case KindLocationAccessed:
		e = LocationAccessed{}
	case KindMotionDetected:
		e = MotionDetected{State: rec.State}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}
	return WithTime(e, rec.At), nil
}

// EncodeList frames a sequence of events as a count followed by
// length-prefixed records, both big-endian uint32.
func EncodeList(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(events))); err != nil {
		return nil, err
	}
	for _, e := range events {
		rec, err := Encode(e)
		if err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(rec))); err != nil {
			return nil, err
		}
		buf.Write(rec)
	}
	return buf.Bytes(), nil
}

// DecodeList parses a framed sequence produced by EncodeList.
func DecodeList(data []byte) ([]Event, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: missing count", ErrCorruptRecord)
	}
	// Every record costs at least its 4-byte length prefix, so a count
	// beyond this bound cannot be satisfied by the remaining bytes.
	if int64(count) > int64(r.Len())/4 {
		return nil, fmt.Errorf("%w: count %d exceeds remaining data", ErrCorruptRecord, count)
	}

	events := make([]Event, 0, count)
	for i := uint32(0); i < count; i++ {
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, fmt.Errorf("%w: truncated at record %d", ErrCorruptRecord, i)
		}
		if size > maxRecordSize {
			return nil, fmt.Errorf("%w: record %d size %d exceeds limit", ErrCorruptRecord, i, size)
		}
		rec := make([]byte, size)
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("%w: truncated at record %d", ErrCorruptRecord, i)
		}
		e, err := Decode(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, r.Len())
	}
	return events, nil
}
