package workflow

import "testing"

func TestEvalCondition(t *testing.T) {
	vars := map[string]string{
		"ENV":     "prod",
		"RETRIES": "3",
		"FLAG":    "true",
		"EMPTY":   "",
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"${ENV} == prod", true},
		{"${ENV} == dev", false},
		{"${ENV} != dev", true},
		{"${RETRIES} > 2", true},
		{"${RETRIES} >= 3", true},
		{"${RETRIES} <= 2", false},
		{"${RETRIES} < 10", true},
		// Numeric comparison, not lexicographic: "10" > "9".
		{"10 > 9", true},
		{"${FLAG}", true},
		{"${EMPTY}", false},
		{"${UNDEFINED}", false},
		{"0", false},
		{"false", false},
		{"'prod' == ${ENV}", true},
		{`"3" == ${RETRIES}`, true},
	}
	for _, tc := range cases {
		if got := evalCondition(tc.expr, "/work", vars); got != tc.want {
			t.Errorf("evalCondition(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestConditionBuiltins(t *testing.T) {
	if !evalCondition("${CWD} == /work", "/work", nil) {
		t.Fatal("CWD substitution failed")
	}
	if !evalCondition("${TIMESTAMP} > 0", "/work", nil) {
		t.Fatal("TIMESTAMP substitution failed")
	}
}

func TestSubstituteMixedText(t *testing.T) {
	got := substitute("deploy-${ENV}-${N}", "/work", map[string]string{"ENV": "prod", "N": "2"})
	if got != "deploy-prod-2" {
		t.Fatalf("got %q", got)
	}
	// An unterminated reference passes through untouched.
	if got := substitute("x${BROKEN", "/work", nil); got != "x${BROKEN" {
		t.Fatalf("got %q", got)
	}
}
