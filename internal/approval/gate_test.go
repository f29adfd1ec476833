package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAskFailsClosedWithoutProvider(t *testing.T) {
	g, err := NewGate(nil, time.Second)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer g.Close()

	req := NewRequest("r1", "exec", 2, map[string]any{"command": "curl example.com"}, ClassifyShell("curl example.com"))
	decision, err := g.Ask(context.Background(), req)
	if decision != DecisionDenied {
		t.Errorf("decision = %q, want denied", decision)
	}
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestAskTimeoutDenies(t *testing.T) {
	stall := ProviderFunc(func(ctx context.Context, req *Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	g, err := NewGate(stall, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer g.Close()

	req := NewRequest("r1", "exec", 2, map[string]any{"command": "true"}, Assessment{Level: RiskHigh})
	decision, err := g.Ask(context.Background(), req)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if decision != DecisionDenied {
		t.Errorf("decision = %q, want denied on timeout", decision)
	}
}

func TestAskDeadlineHoldsAgainstCtxIgnoringProvider(t *testing.T) {
	decided := make(chan string, 1)
	sleeper := ProviderFunc(func(ctx context.Context, req *Request) (string, error) {
		// Deliberately ignores ctx, like a provider blocked on a terminal read.
		time.Sleep(500 * time.Millisecond)
		decided <- DecisionApprovedForSession
		return DecisionApprovedForSession, nil
	})
	g, err := NewGate(sleeper, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer g.Close()

	req := NewRequest("r1", "exec", 2, map[string]any{"command": "true"}, Assessment{Level: RiskHigh})
	start := time.Now()
	decision, err := g.Ask(context.Background(), req)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if decision != DecisionDenied {
		t.Errorf("decision = %q, want denied at the deadline", decision)
	}
	if elapsed >= 400*time.Millisecond {
		t.Errorf("Ask took %s; the 50ms timeout did not fail closed", elapsed)
	}
	// The late answer must be discarded, not honored.
	<-decided
	if g.SessionApproved(req.Fingerprint) {
		t.Error("a decision arriving after the deadline was cached")
	}
}

func TestSessionApprovalCached(t *testing.T) {
	asks := 0
	prov := ProviderFunc(func(ctx context.Context, req *Request) (string, error) {
		asks++
		return DecisionApprovedForSession, nil
	})
	g, err := NewGate(prov, time.Second)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	defer g.Close()

	args := map[string]any{"path": "out.txt", "content": "hello"}
	first := NewRequest("r1", "write_file", 1, args, Assessment{Level: RiskMedium})
	if d, _ := g.Ask(context.Background(), first); d != DecisionApprovedForSession {
		t.Fatalf("first decision = %q", d)
	}

	second := NewRequest("r1", "write_file", 1, args, Assessment{Level: RiskMedium})
	if second.Fingerprint != first.Fingerprint {
		t.Fatalf("fingerprints differ for identical calls")
	}
	if d, _ := g.Ask(context.Background(), second); d != DecisionApprovedForSession {
		t.Fatalf("second decision = %q", d)
	}
	if asks != 1 {
		t.Errorf("provider asked %d times, want 1", asks)
	}
}

func TestApprovedOnceNotCached(t *testing.T) {
	asks := 0
	prov := ProviderFunc(func(ctx context.Context, req *Request) (string, error) {
		asks++
		return DecisionApprovedOnce, nil
	})
	g, _ := NewGate(prov, time.Second)
	defer g.Close()

	args := map[string]any{"command": "git status"}
	for i := 0; i < 2; i++ {
		req := NewRequest("r1", "exec", 2, args, ClassifyShell("git status"))
		if d, _ := g.Ask(context.Background(), req); d != DecisionApprovedOnce {
			t.Fatalf("decision = %q", d)
		}
	}
	if asks != 2 {
		t.Errorf("approved_once must not cache; provider asked %d times, want 2", asks)
	}
}

func TestUnknownDecisionDenies(t *testing.T) {
	prov := ProviderFunc(func(ctx context.Context, req *Request) (string, error) {
		return "maybe", nil
	})
	g, _ := NewGate(prov, time.Second)
	defer g.Close()

	req := NewRequest("r1", "exec", 2, map[string]any{"command": "true"}, Assessment{})
	if d, _ := g.Ask(context.Background(), req); d != DecisionDenied {
		t.Errorf("decision = %q, want denied", d)
	}
}

func TestFingerprintStable(t *testing.T) {
	args := map[string]any{"b": "2", "a": "1", "nested": map[string]any{"y": 2.0, "x": 1.0}}
	fp1 := Fingerprint(Sanitize("exec", args))
	fp2 := Fingerprint(Sanitize("exec", map[string]any{"a": "1", "nested": map[string]any{"x": 1.0, "y": 2.0}, "b": "2"}))
	if fp1 != fp2 {
		t.Errorf("fingerprints differ for equal args: %s vs %s", fp1, fp2)
	}
	fp3 := Fingerprint(Sanitize("other_tool", args))
	if fp1 == fp3 {
		t.Error("fingerprint ignores tool name")
	}
}

func TestSanitizeRedactsSecrets(t *testing.T) {
	req := Sanitize("write_file", map[string]any{
		"path":    "a.txt",
		"content": "super secret payload",
		"env":     map[string]any{"API_TOKEN": "tok-123", "HOME": "/root"},
	})

	if req.Args["path"] != "a.txt" {
		t.Errorf("non-secret value mangled: %v", req.Args["path"])
	}
	content, _ := req.Args["content"].(string)
	if content == "super secret payload" || content == "" {
		t.Errorf("content not redacted: %q", content)
	}
	env, ok := req.Args["env"].(map[string]any)
	if !ok {
		t.Fatalf("env map dropped")
	}
	for k, v := range env {
		s, _ := v.(string)
		if s == "tok-123" || s == "/root" {
			t.Errorf("env value %s leaked: %q", k, s)
		}
	}
	if _, ok := env["API_TOKEN"]; !ok {
		t.Error("env key names must be preserved")
	}
}

func TestClassifyShell(t *testing.T) {
	cases := []struct {
		command string
		level   string
		complex bool
	}{
		{"ls -la", RiskLow, false},
		{"cat README.md", RiskLow, false},
		{"git commit -m 'msg'", RiskMedium, false},
		{"mkdir -p a/b", RiskMedium, false},
		{"curl http://example.com", RiskHigh, false},
		{"ls | wc -l", RiskHigh, true},
		{"echo `id`", RiskHigh, true},
		{"echo $(id)", RiskHigh, true},
		{"ls > out.txt", RiskHigh, true},
		{"a && b", RiskHigh, true},
		{"rm -rf /tmp/x", RiskHigh, false},
		{"echo 'a | b'", RiskLow, false}, // pipe inside quotes is literal
	}
	for _, tc := range cases {
		got := ClassifyShell(tc.command)
		if got.Level != tc.level {
			t.Errorf("ClassifyShell(%q).Level = %s, want %s (%s)", tc.command, got.Level, tc.level, got.Reason)
		}
		if got.Complex != tc.complex {
			t.Errorf("ClassifyShell(%q).Complex = %v, want %v", tc.command, got.Complex, tc.complex)
		}
	}
}
