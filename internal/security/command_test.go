package security

import "testing"

func TestAnalyzeCommandDangerous(t *testing.T) {
	cases := []struct {
		command string
		reason  string
	}{
		{"rm -rf /tmp/x", "matches dangerous command policy"},
		{"echo $(whoami)", "contains command substitution/backticks"},
		{"echo `date`", "contains command substitution/backticks"},
		{`echo "unterminated`, "command parse failed (fail closed)"},
	}
	for _, tc := range cases {
		risk := AnalyzeCommand(tc.command)
		if !risk.Dangerous {
			t.Fatalf("AnalyzeCommand(%q) not dangerous", tc.command)
		}
		if risk.Reason != tc.reason {
			t.Fatalf("AnalyzeCommand(%q) reason=%q, want %q", tc.command, risk.Reason, tc.reason)
		}
	}
}

func TestIsReadOnlyCommand(t *testing.T) {
	cases := []struct {
		command string
		want    bool
	}{
		{"ls -la", true},
		{"git status", true},
		{"git log --oneline", true},
		{"cat go.mod", true},
		{"go build ./...", false},
		{"ls > out.txt", false},
		{"cat a | grep b", false},
		{"touch new.txt", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsReadOnlyCommand(tc.command); got != tc.want {
			t.Fatalf("IsReadOnlyCommand(%q)=%v, want %v", tc.command, got, tc.want)
		}
	}
}
