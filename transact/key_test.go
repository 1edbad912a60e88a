package transact_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sipgox/sipstack/internal/idutil"
	"github.com/sipgox/sipstack/sipmsg"
	"github.com/sipgox/sipstack/transact"
)

func TestNewKey(t *testing.T) {
	t.Parallel()

	branch := idutil.MagicCookie + "abc123"
	got := transact.NewKey(transact.RoleUAC, sipmsg.INVITE, branch)
	want := "c$" + branch

	if diff := cmp.Diff(want, got.String()); diff != "" {
		t.Errorf("NewKey(uac, INVITE, %q).String() mismatch (-want +got):\n%s", branch, diff)
	}
}

func TestNewKeyNonInviteIncludesMethod(t *testing.T) {
	t.Parallel()

	branch := idutil.MagicCookie + "xyz"
	got := transact.NewKey(transact.RoleUAS, sipmsg.BYE, branch)
	want := "s$BYE$" + branch

	if diff := cmp.Diff(want, got.String()); diff != "" {
		t.Errorf("NewKey(uas, BYE, %q).String() mismatch (-want +got):\n%s", branch, diff)
	}
}

func TestKeyCancelAckNormalizeToInvite(t *testing.T) {
	t.Parallel()

	branch := idutil.MagicCookie + "norm"
	ack := transact.NewKey(transact.RoleUAC, sipmsg.ACK, branch)
	cancel := transact.NewKey(transact.RoleUAC, sipmsg.CANCEL, branch)
	invite := transact.NewKey(transact.RoleUAC, sipmsg.INVITE, branch)

	if !ack.Equal(invite) {
		t.Errorf("ACK key %q should normalize to the same key as INVITE %q", ack, invite)
	}
	if !cancel.Equal(invite) {
		t.Errorf("CANCEL key %q should normalize to the same key as INVITE %q", cancel, invite)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	branch := idutil.MagicCookie + "roundtrip"
	k := transact.NewKey(transact.RoleUAS, sipmsg.REGISTER, branch)

	got := transact.ParseKey(k.String())
	if !got.Equal(k) {
		t.Errorf("ParseKey(k.String()) = %q, want a key equal to %q", got, k)
	}
}

func TestKeyEqualIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	a := transact.ParseKey("c$" + idutil.MagicCookie + "AbC")
	b := transact.ParseKey("C$" + idutil.MagicCookie + "aBc")

	if !a.Equal(b) {
		t.Errorf("Key.Equal should ignore ASCII case: %q vs %q", a, b)
	}
}

func TestIsRFC3261Branch(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		idutil.MagicCookie + "1": true,
		idutil.MagicCookie:       false, // no characters after the cookie
		"abc123":                 false,
		"":                       false,
	}
	for branch, want := range cases {
		if got := transact.IsRFC3261Branch(branch); got != want {
			t.Errorf("IsRFC3261Branch(%q) = %v, want %v", branch, got, want)
		}
	}
}

func TestKeyFromMessageFallsBackToLegacyForm(t *testing.T) {
	t.Parallel()

	req := &sipmsg.Request{
		RequestMethod: sipmsg.INVITE,
		Call:          "call-1@example.com",
		FromTagVal:    "fromtag",
		Seq:           sipmsg.CSeq{Seq: 1, Method: sipmsg.INVITE},
		ViaList: []sipmsg.Via{
			{Transport: "UDP", Host: "10.0.0.1", Port: 5060, Params: map[string]string{"branch": "legacybranch"}},
		},
	}

	got, err := transact.KeyFromMessage(transact.RoleUAS, sipmsg.INVITE, req)
	if err != nil {
		t.Fatalf("KeyFromMessage() error = %v, want nil", err)
	}

	want := transact.NewLegacyKey(transact.RoleUAS, sipmsg.INVITE, 1, "fromtag", "call-1@example.com", "10.0.0.1", 5060)
	if !got.Equal(want) {
		t.Errorf("KeyFromMessage() = %q, want %q", got, want)
	}
}

func TestKeyFromMessageMissingViaErrors(t *testing.T) {
	t.Parallel()

	req := &sipmsg.Request{RequestMethod: sipmsg.INVITE}
	if _, err := transact.KeyFromMessage(transact.RoleUAC, sipmsg.INVITE, req); err == nil {
		t.Error("KeyFromMessage() with no Via should return an error")
	}
}
