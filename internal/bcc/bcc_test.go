package bcc

import "testing"

func TestCompute_KnownPayload(t *testing.T) {
	payload := "USER_SET_pump_active_True"
	var want byte
	for i := 0; i < len(payload); i++ {
		want ^= payload[i]
	}

	got := Compute(payload)
	if len(got) != 2 {
		t.Fatalf("Expected two hex digits, got %q", got)
	}
	wantHex := string("0123456789ABCDEF"[want>>4]) + string("0123456789ABCDEF"[want&0xF])
	if got != wantHex {
		t.Fatalf("Expected %s, got %s", wantHex, got)
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	payloads := []string{
		"USER_SET_pump_active_True",
		"AGENT_SET_heater_false",
		"",
		"00#RD D0010",
	}
	for _, p := range payloads {
		code := Compute(p)
		if !Verify(code, p) {
			t.Fatalf("Expected verify(%q, %q) to be true", code, p)
		}
		if Verify(code, p+"x") {
			t.Fatalf("Expected verify to fail for mutated payload %q", p+"x")
		}
	}
}

func TestBuildFrame_VerifyFrame(t *testing.T) {
	frame := BuildFrame(1, "WD", "D00100001")
	if !VerifyFrame(frame) {
		t.Fatalf("Expected built frame to verify: %q", frame)
	}

	tests := []struct {
		name  string
		frame string
	}{
		{"no prefix", "01#WD0A\r"},
		{"no terminator", "%01#WD0A"},
		{"too short", "%A\r"},
		{"corrupted bcc", frame[:len(frame)-3] + "ZZ\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyFrame(tt.frame) {
				t.Fatalf("Expected frame to be rejected: %q", tt.frame)
			}
		})
	}
}
