package access

import (
	"context"
	"errors"
	"testing"

	"github.com/agentbox/agentbox/internal/channel"
)

type fakeOwners struct {
	sandboxes map[string]string // sandboxID -> owning userID
	sessions  map[string]string
	tasks     map[string]string
	err       error
}

func (f *fakeOwners) UserOwnsSandbox(_ context.Context, userID, sandboxID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.sandboxes[sandboxID] == userID, nil
}

func (f *fakeOwners) UserCreatedTestSession(_ context.Context, userID, sessionID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.sessions[sessionID] == userID, nil
}

func (f *fakeOwners) UserOwnsTask(_ context.Context, userID, taskID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.tasks[taskID] == userID, nil
}

func testPolicy() *Policy {
	return NewPolicy(&fakeOwners{
		sandboxes: map[string]string{"sb-1": "alice"},
		sessions:  map[string]string{"sess-1": "alice"},
		tasks:     map[string]string{"t-1": "bob"},
	})
}

func TestCanAccessOwnership(t *testing.T) {
	ctx := context.Background()
	p := testPolicy()

	cases := []struct {
		name     string
		channel  string
		identity string
		want     bool
	}{
		{"owner reads own sandbox", channel.Sandbox("sb-1"), "alice", true},
		{"stranger denied sandbox", channel.Sandbox("sb-1"), "mallory", false},
		{"unknown sandbox denied", channel.Sandbox("sb-404"), "alice", false},
		{"session creator allowed", channel.Test("sess-1"), "alice", true},
		{"session stranger denied", channel.Test("sess-1"), "bob", false},
		{"task owner allowed", channel.Task("t-1"), "bob", true},
		{"task stranger denied", channel.Task("t-1"), "alice", false},
		{"monitor self allowed", channel.Monitor("alice"), "alice", true},
		{"monitor other denied", channel.Monitor("alice"), "bob", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.CanAccess(ctx, tc.channel, tc.identity); got != tc.want {
				t.Fatalf("CanAccess(%q, %q) = %v, want %v", tc.channel, tc.identity, got, tc.want)
			}
		})
	}
}

func TestCanAccessIsTotal(t *testing.T) {
	ctx := context.Background()
	p := testPolicy()

	// None of these may panic or error; they all deny.
	for _, name := range []string{"", "garbage", "sandbox_", "queue_x", "sandbox"} {
		if p.CanAccess(ctx, name, "alice") {
			t.Fatalf("CanAccess(%q) unexpectedly allowed", name)
		}
	}
}

func TestCanAccessEmptyIdentityDenied(t *testing.T) {
	p := testPolicy()
	if p.CanAccess(context.Background(), channel.Sandbox("sb-1"), "") {
		t.Fatal("empty identity must be denied")
	}
}

func TestCanAccessLookupErrorFailsClosed(t *testing.T) {
	p := NewPolicy(&fakeOwners{err: errors.New("db unavailable")})
	if p.CanAccess(context.Background(), channel.Sandbox("sb-1"), "alice") {
		t.Fatal("lookup error must deny, not allow")
	}
}
