package channel

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		prefix   Prefix
		entityID string
		wantErr  bool
	}{
		{"sandbox", "sandbox_sb-123", PrefixSandbox, "sb-123", false},
		{"test session", "test_sess-9", PrefixTest, "sess-9", false},
		{"task", "task_t1", PrefixTask, "t1", false},
		{"monitor", "connection-monitor_user-7", PrefixMonitor, "user-7", false},
		{"entity id with underscores", "sandbox_a_b_c", PrefixSandbox, "a_b_c", false},
		{"unknown prefix", "queue_x", "", "", true},
		{"no separator", "sandbox", "", "", true},
		{"empty entity id", "task_", "", "", true},
		{"empty name", "", "", "", true},
		{"prefix as entity elsewhere", "sandboxes_1", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prefix, entityID, err := Parse(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q): expected error, got %q/%q", tc.input, prefix, entityID)
				}
				if !errors.Is(err, ErrUnknownPrefix) {
					t.Fatalf("Parse(%q): error %v is not ErrUnknownPrefix", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): unexpected error %v", tc.input, err)
			}
			if prefix != tc.prefix || entityID != tc.entityID {
				t.Fatalf("Parse(%q) = %q/%q, want %q/%q", tc.input, prefix, entityID, tc.prefix, tc.entityID)
			}
		})
	}
}

func TestBuildersRoundTrip(t *testing.T) {
	cases := []struct {
		built    string
		prefix   Prefix
		entityID string
	}{
		{Sandbox("sb-1"), PrefixSandbox, "sb-1"},
		{Test("sess-1"), PrefixTest, "sess-1"},
		{Task("t-1"), PrefixTask, "t-1"},
		{Monitor("user-1"), PrefixMonitor, "user-1"},
	}
	for _, tc := range cases {
		prefix, entityID, err := Parse(tc.built)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.built, err)
		}
		if prefix != tc.prefix || entityID != tc.entityID {
			t.Fatalf("Parse(%q) = %q/%q, want %q/%q", tc.built, prefix, entityID, tc.prefix, tc.entityID)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("sandbox_sb-1") {
		t.Fatal("expected sandbox_sb-1 to be valid")
	}
	if Valid("notachannel") {
		t.Fatal("expected notachannel to be invalid")
	}
	if Valid("sandbox_") {
		t.Fatal("expected empty entity id to be invalid")
	}
}
