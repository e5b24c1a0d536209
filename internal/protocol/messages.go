// Package protocol implements the streaming recognition conversation held
// over one client connection.
//
// Clients exchange JSON text messages tagged by "type":
//   - OPEN{meeting_id} opens (or reuses) the session for a meeting and is
//     answered with OPENED{session_id,message}.
//   - PROCESSING{session_id,data_url} submits a frame and is answered with
//     PROCESSED{data}, one entry per recognised face.
//   - CLOSE{session_id} ends a session and is always answered with
//     CLOSED{session_id,message}.
//
// Frames for unknown or closed sessions, frames that fail to decode and
// malformed messages get no reply.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/faceattend/internal/recognition"
)

// Message types.
const (
	TypeOpen       = "OPEN"
	TypeProcessing = "PROCESSING"
	TypeClose      = "CLOSE"
	TypeOpened     = "OPENED"
	TypeProcessed  = "PROCESSED"
	TypeClosed     = "CLOSED"
)

// ErrProtocol marks inbound messages that cannot be interpreted.
var ErrProtocol = errors.New("protocol: malformed message")

// Inbound is one of Open, Processing or Close.
type Inbound interface {
	inbound()
}

// Open asks for the session of a meeting.
type Open struct {
	MeetingID int64
}

// Processing carries one frame for a session.
type Processing struct {
	SessionID string
	DataURL   string
}

// Close ends a session.
type Close struct {
	SessionID string
}

func (Open) inbound()       {}
func (Processing) inbound() {}
func (Close) inbound()      {}

type envelope struct {
	Type      string          `json:"type"`
	MeetingID json.RawMessage `json:"meeting_id"`
	SessionID string          `json:"session_id"`
	DataURL   string          `json:"data_url"`
}

// ParseInbound decodes a client message. Any failure wraps ErrProtocol.
func ParseInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch env.Type {
	case TypeOpen:
		id, err := parseMeetingID(env.MeetingID)
		if err != nil {
			return nil, err
		}
		return Open{MeetingID: id}, nil
	case TypeProcessing:
		if strings.TrimSpace(env.SessionID) == "" {
			return nil, fmt.Errorf("%w: PROCESSING without session_id", ErrProtocol)
		}
		if env.DataURL == "" {
			return nil, fmt.Errorf("%w: PROCESSING without data_url", ErrProtocol)
		}
		return Processing{SessionID: env.SessionID, DataURL: env.DataURL}, nil
	case TypeClose:
		if strings.TrimSpace(env.SessionID) == "" {
			return nil, fmt.Errorf("%w: CLOSE without session_id", ErrProtocol)
		}
		return Close{SessionID: env.SessionID}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrProtocol, env.Type)
	}
}

// parseMeetingID accepts an integer or a string holding one.
func parseMeetingID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: OPEN without meeting_id", ErrProtocol)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: meeting_id %s is not numeric", ErrProtocol, raw)
	}
	id, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: meeting_id %s is not an integer", ErrProtocol, raw)
	}
	return id, nil
}

// Opened answers OPEN.
type Opened struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Processed answers PROCESSING.
type Processed struct {
	Type string       `json:"type"`
	Data []FaceResult `json:"data"`
}

// Closed answers CLOSE.
type Closed struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// FaceResult is the wire form of one recognised face. Employee fields are
// null for unknown faces.
type FaceResult struct {
	BoundingBox recognition.BoundingBox `json:"bounding_box"`
	EmployeeID  *int64                  `json:"employee_id"`
	EmployeeNo  *string                 `json:"employee_no"`
	Name        *string                 `json:"name"`
	EnglishName *string                 `json:"english_name"`
	Score       float64                 `json:"score"`
	IsAttendant bool                    `json:"is_attendant"`
}

// NewOpened builds the OPENED reply.
func NewOpened(sessionID string, meetingID int64) Opened {
	return Opened{
		Type:      TypeOpened,
		SessionID: sessionID,
		Message:   fmt.Sprintf("The session of meeting %d is opened", meetingID),
	}
}

// NewClosed builds the CLOSED reply.
func NewClosed(sessionID string) Closed {
	return Closed{
		Type:      TypeClosed,
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session[%s] removed on server", sessionID),
	}
}

// NewProcessed converts pipeline results, keeping their order. Data is never nil.
func NewProcessed(results []recognition.Result) Processed {
	data := make([]FaceResult, 0, len(results))
	for _, r := range results {
		fr := FaceResult{BoundingBox: r.Box, Score: r.Score, IsAttendant: r.IsAttendee}
		if e := r.Employee; e != nil {
			id, no, name, english := e.ID, e.No, e.FullName, e.EnglishName
			fr.EmployeeID = &id
			fr.EmployeeNo = &no
			fr.Name = &name
			fr.EnglishName = &english
		}
		data = append(data, fr)
	}
	return Processed{Type: TypeProcessed, Data: data}
}
