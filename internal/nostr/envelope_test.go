package nostr

import (
	"encoding/json"
	"errors"
	"testing"

	"nostr-sync/internal/types"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, msg *Message)
	}{
		{
			name:  "event",
			input: `["EVENT","sub1",{"id":"abc","pubkey":"def","created_at":5,"kind":1,"tags":[["p","x"]],"content":"hi","sig":"s"}]`,
			check: func(t *testing.T, msg *Message) {
				if msg.SubID != "sub1" || msg.Event == nil || msg.Event.ID != "abc" || msg.Event.Content != "hi" {
					t.Errorf("unexpected message %+v", msg)
				}
			},
		},
		{
			name:  "eose",
			input: `["EOSE","sub1"]`,
			check: func(t *testing.T, msg *Message) {
				if msg.SubID != "sub1" {
					t.Errorf("SubID = %q", msg.SubID)
				}
			},
		},
		{
			name:  "ok accepted",
			input: `["OK","eid",true,""]`,
			check: func(t *testing.T, msg *Message) {
				if msg.EventID != "eid" || !msg.OK {
					t.Errorf("unexpected message %+v", msg)
				}
			},
		},
		{
			name:  "ok rejected",
			input: `["OK","eid",false,"blocked: spam"]`,
			check: func(t *testing.T, msg *Message) {
				if msg.OK || msg.Text != "blocked: spam" {
					t.Errorf("unexpected message %+v", msg)
				}
			},
		},
		{
			name:  "notice",
			input: `["NOTICE","slow down"]`,
			check: func(t *testing.T, msg *Message) {
				if msg.Text != "slow down" {
					t.Errorf("Text = %q", msg.Text)
				}
			},
		},
		{
			name:  "auth challenge",
			input: `["AUTH","chal"]`,
			check: func(t *testing.T, msg *Message) {
				if msg.Label != LabelAuth || msg.Text != "chal" {
					t.Errorf("unexpected message %+v", msg)
				}
			},
		},
		{
			name:  "closed",
			input: `["CLOSED","sub1","auth-required: sign in"]`,
			check: func(t *testing.T, msg *Message) {
				if msg.SubID != "sub1" || msg.Text != "auth-required: sign in" {
					t.Errorf("unexpected message %+v", msg)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("ParseMessage failed: %v", err)
			}
			tc.check(t, msg)
		})
	}
}

func TestParseMessageMalformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`[]`,
		`["EVENT","sub1"]`,
		`["EVENT","sub1","nope"]`,
		`["OK","eid"]`,
		`["WHAT","x"]`,
		`[1,2]`,
	}
	for _, input := range inputs {
		_, err := ParseMessage([]byte(input))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseMessage(%s) error = %v, want ErrMalformed", input, err)
		}
	}
}

func TestEncodeReq(t *testing.T) {
	since := int64(100)
	filters := []types.Filter{
		{Kinds: []int{1}, Authors: []string{"a"}, Since: &since, Limit: 10},
		(types.Filter{}).WithTag("e", "x"),
	}
	data, err := EncodeReq("sub1", filters)
	if err != nil {
		t.Fatalf("EncodeReq failed: %v", err)
	}

	var decoded []json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON %s: %v", data, err)
	}
	if len(decoded) != 4 {
		t.Fatalf("got %d elements, want 4", len(decoded))
	}
	if string(decoded[0]) != `"REQ"` || string(decoded[1]) != `"sub1"` {
		t.Errorf("header = %s %s", decoded[0], decoded[1])
	}

	var first map[string]interface{}
	_ = json.Unmarshal(decoded[2], &first)
	if first["since"] != float64(100) || first["limit"] != float64(10) {
		t.Errorf("first filter = %v", first)
	}
	if _, ok := first["ids"]; ok {
		t.Error("empty ids should be omitted")
	}

	var second map[string][]string
	_ = json.Unmarshal(decoded[3], &second)
	if len(second["#e"]) != 1 || second["#e"][0] != "x" {
		t.Errorf("second filter = %v", second)
	}
}

func TestEncodeClose(t *testing.T) {
	data, err := EncodeClose("sub1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `["CLOSE","sub1"]` {
		t.Errorf("EncodeClose = %s", data)
	}
}
