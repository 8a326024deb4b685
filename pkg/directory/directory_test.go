package directory

import "testing"

func TestRelayFlagHelpers(t *testing.T) {
	r := &Relay{Flags: []Flag{FlagGuard, FlagExit, FlagBadExit, FlagRunning, FlagValid, FlagStable, FlagFast}}

	if !r.IsGuard() {
		t.Error("expected IsGuard true")
	}
	if r.IsExit() {
		t.Error("expected IsExit false: BadExit excludes Exit")
	}
	if !r.IsRunning() || !r.IsValid() || !r.IsStable() || !r.IsFast() {
		t.Error("expected Running/Valid/Stable/Fast all true")
	}
}

func TestRelayIsExitExcludesBadExit(t *testing.T) {
	plain := &Relay{Flags: []Flag{FlagExit}}
	if !plain.IsExit() {
		t.Error("plain exit relay should be IsExit")
	}
	bad := &Relay{Flags: []Flag{FlagExit, FlagBadExit}}
	if bad.IsExit() {
		t.Error("BadExit relay should not be IsExit")
	}
}

func TestParseExitPolicyAcceptAll(t *testing.T) {
	p, err := ParseExitPolicy("accept 1-65535")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.AllowsPort(80) || !p.AllowsPort(65535) {
		t.Error("accept-all policy should allow every port")
	}
}

func TestParseExitPolicyRejectAll(t *testing.T) {
	p, err := ParseExitPolicy("reject 1-65535")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.AllowsPort(80) {
		t.Error("reject-all policy should allow no port")
	}
}

func TestParseExitPolicyPortList(t *testing.T) {
	p, err := ParseExitPolicy("accept 80,443,1024-2048")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.AllowsPort(80) || !p.AllowsPort(443) || !p.AllowsPort(1500) {
		t.Error("expected listed ports/ranges to be allowed")
	}
	if p.AllowsPort(22) {
		t.Error("expected unlisted port to be rejected under accept policy")
	}
}

func TestParseExitPolicyReject(t *testing.T) {
	p, err := ParseExitPolicy("reject 25")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.AllowsPort(25) {
		t.Error("expected port 25 rejected")
	}
	if !p.AllowsPort(80) {
		t.Error("expected port 80 allowed under reject policy")
	}
}

func TestParseExitPolicyMalformed(t *testing.T) {
	if _, err := ParseExitPolicy("bogus 80"); err == nil {
		t.Error("expected error for unknown policy verb")
	}
	if _, err := ParseExitPolicy("accept"); err == nil {
		t.Error("expected error for missing port field")
	}
}

func TestAcceptAllRejectAllPolicies(t *testing.T) {
	if !AcceptAllPolicy().AllowsPort(1) {
		t.Error("AcceptAllPolicy should allow any port")
	}
	if RejectAllPolicy().AllowsPort(1) {
		t.Error("RejectAllPolicy should allow no port")
	}
}

func TestConsensusRelayByFingerprint(t *testing.T) {
	c := &Consensus{Relays: []*Relay{
		{Fingerprint: "AAAA"},
		{Fingerprint: "BBBB"},
	}}
	if c.RelayByFingerprint("BBBB") == nil {
		t.Error("expected to find relay BBBB")
	}
	if c.RelayByFingerprint("CCCC") != nil {
		t.Error("expected nil for missing fingerprint")
	}
}

func TestConsensusNumRelays(t *testing.T) {
	c := &Consensus{Relays: []*Relay{
		{Flags: []Flag{FlagGuard, FlagRunning, FlagValid}},
		{Flags: []Flag{FlagExit, FlagRunning, FlagValid}},
		{Flags: []Flag{FlagRunning, FlagValid}}, // middle
		{Flags: []Flag{FlagGuard}},               // not running/valid: excluded
	}}
	guard, middle, exit := c.NumRelays()
	if guard != 1 || middle != 1 || exit != 1 {
		t.Errorf("expected (1,1,1), got (%d,%d,%d)", guard, middle, exit)
	}
}
