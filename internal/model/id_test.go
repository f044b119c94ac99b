package model

import "testing"

func TestGenerateID(t *testing.T) {
	for _, kind := range []IDKind{IDKindJob, IDKindPipeline, IDKindEvent} {
		id, err := GenerateID(kind)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", kind, err)
		}
		if err := ValidateID(id); err != nil {
			t.Fatalf("generated id %q failed validation: %v", id, err)
		}
		got, err := ParseIDKind(id)
		if err != nil {
			t.Fatalf("ParseIDKind(%q): %v", id, err)
		}
		if got != kind {
			t.Fatalf("ParseIDKind(%q) = %s, want %s", id, got, kind)
		}
	}
}

func TestGenerateID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := GenerateID(IDKindJob)
		if err != nil {
			t.Fatalf("GenerateID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidateID_Invalid(t *testing.T) {
	cases := []string{
		"",
		"job_123_abcdefgh",
		"xyz_0000000000_deadbeef",
		"job_0000000000_ZZZZZZZZ",
		"job00000000000deadbeef",
	}
	for _, c := range cases {
		if err := ValidateID(c); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", c)
		}
	}
}

func TestParseIDKind_Invalid(t *testing.T) {
	if _, err := ParseIDKind("not-an-id"); err == nil {
		t.Error("ParseIDKind(invalid) = nil, want error")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	id := "job_0000001700_deadbeef"
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatalf("ParseIDTimestamp: %v", err)
	}
	if ts.Unix() != 1700 {
		t.Errorf("ParseIDTimestamp(%q).Unix() = %d, want 1700", id, ts.Unix())
	}
}
