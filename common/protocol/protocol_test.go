package protocol

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to JobState
		want     bool
	}{
		{StateQueued, StateSent, true},
		{StateQueued, StateFailed, true},
		{StateQueued, StateProcessing, false},
		{StateSent, StateProcessing, true},
		{StateSent, StateCompleted, true},
		{StateSent, StateFailed, true},
		{StateSent, StateQueued, false},
		{StateProcessing, StateCompleted, true},
		{StateProcessing, StateFailed, true},
		{StateProcessing, StateSent, false},

		// cancel and expire fire from any non-terminal state
		{StateQueued, StateCancelled, true},
		{StateSent, StateCancelled, true},
		{StateProcessing, StateCancelled, true},
		{StateQueued, StateExpired, true},
		{StateProcessing, StateExpired, true},

		// terminal states are immutable
		{StateCompleted, StateFailed, false},
		{StateFailed, StateCompleted, false},
		{StateCancelled, StateQueued, false},
		{StateExpired, StateCancelled, false},

		// self-transitions are rejected
		{StateSent, StateSent, false},
		{StateCompleted, StateCompleted, false},

		// unknown states never transition
		{"bogus", StateSent, false},
		{StateQueued, "bogus", false},

		// accepted is an intake acknowledgment, never a stored state
		{StateSent, StateAccepted, false},
		{StateAccepted, StateProcessing, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()
	terminal := []JobState{StateCompleted, StateFailed, StateCancelled, StateExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobState{StateQueued, StateSent, StateProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if StateAccepted.Valid() || StateAccepted.Terminal() {
		t.Error("accepted is an acknowledgment, not a job state")
	}
}

func TestPayloadKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		payload Payload
		kind    string
	}{
		{"inline", Payload{Inline: "^XA^XZ"}, "inline"},
		{"url", Payload{URL: "https://x/label.zpl"}, "url"},
		{"file", Payload{FileRef: "/tmp/label.zpl"}, "file"},
		{"empty", Payload{}, ""},
		{"conflicting", Payload{Inline: "^XA^XZ", URL: "https://x"}, ""},
		{"all three", Payload{Inline: "a", URL: "b", FileRef: "c"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.payload.Kind(); got != tc.kind {
				t.Errorf("kind: %q, want %q", got, tc.kind)
			}
			err := tc.payload.Validate()
			if tc.kind == "" && err == nil {
				t.Error("expected validation error")
			}
			if tc.kind != "" && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestTopicRoundTrip(t *testing.T) {
	t.Parallel()
	for _, build := range []struct {
		topic   string
		channel string
	}{
		{TopicCommands("pi-001"), "commands"},
		{TopicStatus("pi-001"), "status"},
		{TopicEvents("pi-001"), "events"},
		{TopicHello("pi-001"), "hello"},
	} {
		deviceID, channel, ok := ParseTopic(build.topic)
		if !ok || deviceID != "pi-001" || channel != build.channel {
			t.Errorf("ParseTopic(%s) = %s/%s/%v", build.topic, deviceID, channel, ok)
		}
	}
}

func TestParseTopicRejectsOutsideScheme(t *testing.T) {
	t.Parallel()
	bad := []string{
		"",
		"labelberry/pi/",
		"labelberry/pi/pi-001",
		"labelberry/pi/pi-001/",
		"labelberry/pi/pi-001/bogus",
		"labelberry/server/pi-001/commands",
		"other/pi/pi-001/commands",
	}
	for _, topic := range bad {
		if _, _, ok := ParseTopic(topic); ok {
			t.Errorf("ParseTopic(%q) should fail", topic)
		}
	}
}

// device ids containing slashes keep the channel parse unambiguous because the
// channel is always the last segment
func TestParseTopicSlashedDeviceID(t *testing.T) {
	t.Parallel()
	deviceID, channel, ok := ParseTopic("labelberry/pi/site-a/pi-001/events")
	if !ok || deviceID != "site-a/pi-001" || channel != "events" {
		t.Errorf("got %s/%s/%v", deviceID, channel, ok)
	}
}

func TestWireErrorFormatting(t *testing.T) {
	t.Parallel()
	e := &WireError{Kind: ErrPrinterIO, Detail: "broken pipe"}
	if e.Error() != "printer_io_error: broken pipe" {
		t.Errorf("error: %s", e.Error())
	}
	e = &WireError{Kind: ErrTimeout}
	if e.Error() != "timeout" {
		t.Errorf("error: %s", e.Error())
	}
	var nilErr *WireError
	if nilErr.Error() != "" {
		t.Errorf("nil error: %q", nilErr.Error())
	}
}

func TestValidPriority(t *testing.T) {
	t.Parallel()
	for p, want := range map[int]bool{0: false, 1: true, 5: true, 10: true, 11: false, -1: false} {
		if got := ValidPriority(p); got != want {
			t.Errorf("ValidPriority(%d) = %v", p, got)
		}
	}
}
