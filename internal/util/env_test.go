package util

import (
	"reflect"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("COURTPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("COURTPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("COURTPIPE_TEST_DUR", "45m")
	if got := ParseDurationEnv("COURTPIPE_TEST_DUR", time.Minute); got != 45*time.Minute {
		t.Errorf("got %v", got)
	}
	t.Setenv("COURTPIPE_TEST_DUR", "soon")
	if got := ParseDurationEnv("COURTPIPE_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("invalid value should fall back, got %v", got)
	}
	t.Setenv("COURTPIPE_TEST_DUR", "-5s")
	if got := ParseDurationEnv("COURTPIPE_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("negative value should fall back, got %v", got)
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("COURTPIPE_TEST_FLOAT", "0.5")
	if got := ParseFloatEnv("COURTPIPE_TEST_FLOAT", 2); got != 0.5 {
		t.Errorf("got %v", got)
	}
	t.Setenv("COURTPIPE_TEST_FLOAT", "x")
	if got := ParseFloatEnv("COURTPIPE_TEST_FLOAT", 2); got != 2 {
		t.Errorf("got %v", got)
	}
}

func TestStringEnv(t *testing.T) {
	t.Setenv("COURTPIPE_TEST_STR", "  ")
	if got := StringEnv("COURTPIPE_TEST_STR", "def"); got != "def" {
		t.Errorf("blank should fall back, got %q", got)
	}
	t.Setenv("COURTPIPE_TEST_STR", " v ")
	if got := StringEnv("COURTPIPE_TEST_STR", "def"); got != "v" {
		t.Errorf("got %q", got)
	}
}

func TestSplitList(t *testing.T) {
	if got := SplitList(" 1, ,2,3 "); !reflect.DeepEqual(got, []string{"1", "2", "3"}) {
		t.Errorf("SplitList = %v", got)
	}
	if got := SplitList(""); got != nil {
		t.Errorf("SplitList(\"\") = %v", got)
	}
}
