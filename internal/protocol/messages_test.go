package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/faceattend/internal/directory"
	"github.com/example/faceattend/internal/recognition"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Inbound
		wantErr bool
	}{
		{name: "open with integer", input: `{"type":"OPEN","meeting_id":42}`, want: Open{MeetingID: 42}},
		{name: "open with numeric string", input: `{"type":"OPEN","meeting_id":"42"}`, want: Open{MeetingID: 42}},
		{name: "open without meeting", input: `{"type":"OPEN"}`, wantErr: true},
		{name: "open with null meeting", input: `{"type":"OPEN","meeting_id":null}`, wantErr: true},
		{name: "open with text meeting", input: `{"type":"OPEN","meeting_id":"abc"}`, wantErr: true},
		{name: "open with fractional meeting", input: `{"type":"OPEN","meeting_id":4.5}`, wantErr: true},
		{
			name:  "processing",
			input: `{"type":"PROCESSING","session_id":"s-1","data_url":"data:image/jpeg;base64,AA=="}`,
			want:  Processing{SessionID: "s-1", DataURL: "data:image/jpeg;base64,AA=="},
		},
		{name: "processing without session", input: `{"type":"PROCESSING","data_url":"x"}`, wantErr: true},
		{name: "processing without frame", input: `{"type":"PROCESSING","session_id":"s-1"}`, wantErr: true},
		{name: "close", input: `{"type":"CLOSE","session_id":"s-1"}`, want: Close{SessionID: "s-1"}},
		{name: "close without session", input: `{"type":"CLOSE"}`, wantErr: true},
		{name: "unknown type", input: `{"type":"PING"}`, wantErr: true},
		{name: "missing type", input: `{"meeting_id":1}`, wantErr: true},
		{name: "not json", input: `OPEN 42`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tc.input))
			if tc.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Fatalf("expected ErrProtocol, got %v (%#v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInbound failed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestProcessedWireForm(t *testing.T) {
	alice := directory.Employee{ID: 7, No: "E007", FullName: "Alice Smith", EnglishName: "Alice"}
	msg := NewProcessed([]recognition.Result{
		{Box: recognition.BoundingBox{Left: 1, Top: 2, Right: 3, Bottom: 4}, Employee: &alice, Label: "E007", Score: 0.875, IsAttendee: true},
		{Box: recognition.BoundingBox{Left: 5, Top: 6, Right: 7, Bottom: 8}, Label: recognition.UnknownLabel, Score: 0.5},
	})

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"type":"PROCESSED","data":[` +
		`{"bounding_box":[1,2,3,4],"employee_id":7,"employee_no":"E007","name":"Alice Smith","english_name":"Alice","score":0.875,"is_attendant":true},` +
		`{"bounding_box":[5,6,7,8],"employee_id":null,"employee_no":null,"name":null,"english_name":null,"score":0.5,"is_attendant":false}]}`
	if string(raw) != want {
		t.Fatalf("unexpected wire form:\n got %s\nwant %s", raw, want)
	}

	empty, err := json.Marshal(NewProcessed(nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(empty) != `{"type":"PROCESSED","data":[]}` {
		t.Fatalf("empty frame should carry an empty list, got %s", empty)
	}
}

func TestOpenedAndClosedMessages(t *testing.T) {
	opened := NewOpened("abc", 12)
	if opened.Type != TypeOpened || opened.SessionID != "abc" || opened.Message != "The session of meeting 12 is opened" {
		t.Fatalf("unexpected OPENED: %+v", opened)
	}
	closed := NewClosed("abc")
	if closed.Type != TypeClosed || closed.SessionID != "abc" || closed.Message != "Session[abc] removed on server" {
		t.Fatalf("unexpected CLOSED: %+v", closed)
	}
}
