package nodeid

import "testing"

func TestParseValid(t *testing.T) {
	cases := []string{
		"alice@127.0.0.1:4369",
		"node_1@example.com:8080",
		"n@[::1]:9000",
		"worker-2@localhost:1",
	}
	for _, s := range cases {
		id, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", s, err)
		}
		if got := id.String(); got != s {
			t.Errorf("round trip mismatch: Parse(%q).String() = %q", s, got)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"noat",
		"1abc@host:80",
		"name@host",
		"name@host:0",
		"name@host:70000",
		"name@host:abc",
		"toolong" + stringsRepeat("x", 64) + "@host:80",
	}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error, got none", s)
		}
	}
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestEquals(t *testing.T) {
	a, _ := Parse("a@host:1")
	b, _ := Parse("a@host:1")
	c, _ := Parse("a@host:2")
	if !a.Equals(b) {
		t.Error("expected a.Equals(b)")
	}
	if a.Equals(c) {
		t.Error("expected !a.Equals(c)")
	}
}

func TestLessIsDeterministic(t *testing.T) {
	a, _ := Parse("a@host:1")
	b, _ := Parse("b@host:1")
	if !a.Less(b) || b.Less(a) {
		t.Error("expected a < b and not b < a")
	}
}

func TestIdGeneratorsAreUniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	gens := []func() string{NewServerId, NewCallId, NewMonitorId, NewSpawnId, NewRegistryEntryId}
	for _, gen := range gens {
		for i := 0; i < 100; i++ {
			id := gen()
			if seen[id] {
				t.Fatalf("duplicate id generated: %s", id)
			}
			seen[id] = true
		}
	}
}
