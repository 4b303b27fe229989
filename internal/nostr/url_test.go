package nostr

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"wss://relay.damus.io", "wss://relay.damus.io"},
		{"wss://relay.damus.io/", "wss://relay.damus.io"},
		{"  WSS://Relay.Damus.IO/  ", "wss://relay.damus.io"},
		{"wss://nos.lol:443/path/", "wss://nos.lol:443/path"},
		{"ws://localhost:7777", "ws://localhost:7777"},
		{"ws://127.0.0.1:4869/", "ws://127.0.0.1:4869"},
		{"https://relay.damus.io", ""},
		{"relay.damus.io", ""},
		{"wss://https://relay.damus.io", ""},
		{"wss://bad%20host", ""},
		{"wss://nodot", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeURL(tc.input); got != tc.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestIsSafeRelayURL(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"ws://localhost:7777", true},
		{"ws://127.0.0.1:7777", true},
		{"wss://10.0.0.1", false},
		{"wss://192.168.1.10", false},
		{"wss://169.254.169.254", false},
		{"wss://0.0.0.0", false},
		{"wss://relay.local", false},
		{"wss://hidden.onion", false},
		{"https://relay.damus.io", false},
		{"wss://8.8.8.8", true},
	}
	for _, tc := range tests {
		if got := IsSafeRelayURL(tc.input); got != tc.want {
			t.Errorf("IsSafeRelayURL(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
