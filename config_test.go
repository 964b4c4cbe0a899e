package stream

import "testing"

func TestApplyDefaultsParsesInflightLimitStr(t *testing.T) {
	cfg := WriterConfig{
		Path:             "unused",
		Thread:           func() []byte { return nil },
		Serializer:       func(v interface{}) ([]byte, error) { return nil, nil },
		InflightLimitStr: "128MB",
	}
	if err := cfg.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults: %v", err)
	}
	want := int64(128 * 1024 * 1024)
	if cfg.InflightLimit != want {
		t.Fatalf("InflightLimit = %d, want %d", cfg.InflightLimit, want)
	}
}

func TestApplyDefaultsInflightLimitTakesPrecedenceOverStr(t *testing.T) {
	cfg := WriterConfig{
		Path:             "unused",
		Thread:           func() []byte { return nil },
		Serializer:       func(v interface{}) ([]byte, error) { return nil, nil },
		InflightLimit:    1024,
		InflightLimitStr: "128MB",
	}
	if err := cfg.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults: %v", err)
	}
	if cfg.InflightLimit != 1024 {
		t.Fatalf("InflightLimit = %d, want 1024 (typed field must win)", cfg.InflightLimit)
	}
}

func TestApplyDefaultsRejectsBadInflightLimitStr(t *testing.T) {
	cfg := WriterConfig{
		Path:             "unused",
		Thread:           func() []byte { return nil },
		Serializer:       func(v interface{}) ([]byte, error) { return nil, nil },
		InflightLimitStr: "not-a-size",
	}
	if err := cfg.applyDefaults(); err == nil {
		t.Fatalf("expected an error for a malformed InflightLimitStr")
	}
}

func TestApplyDefaultsParsesBackpressureTimeoutStr(t *testing.T) {
	cfg := WriterConfig{
		Path:                   "unused",
		Thread:                 func() []byte { return nil },
		Serializer:             func(v interface{}) ([]byte, error) { return nil, nil },
		BackpressureTimeoutStr: "0",
	}
	if err := cfg.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults: %v", err)
	}
	if cfg.BackpressureTimeout == nil || *cfg.BackpressureTimeout != 0 {
		t.Fatalf("BackpressureTimeout = %v, want a pointer to 0 (drop mode)", cfg.BackpressureTimeout)
	}
	policy, _ := cfg.backpressurePolicy()
	if policy != BackpressureDrop {
		t.Fatalf("policy = %v, want BackpressureDrop", policy)
	}
}

func TestApplyDefaultsParsesReadTimeoutStr(t *testing.T) {
	cfg := ReaderConfig{
		Path:           "unused",
		Deserialize:    func(b []byte) (interface{}, error) { return nil, nil },
		ReadTimeoutStr: "2s",
	}
	if err := cfg.applyDefaults(); err != nil {
		t.Fatalf("applyDefaults: %v", err)
	}
	if cfg.ReadTimeout.Seconds() != 2 {
		t.Fatalf("ReadTimeout = %v, want 2s", cfg.ReadTimeout)
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"100": 100,
		"1KB": 1024,
		"1MB": 1024 * 1024,
		"1GB": 1024 * 1024 * 1024,
		"2K":  2048,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseDurationSuffixes(t *testing.T) {
	got, err := ParseDuration("7d")
	if err != nil {
		t.Fatalf("ParseDuration: %v", err)
	}
	if got.Hours() != 168 {
		t.Fatalf("ParseDuration(\"7d\") = %v, want 168h", got)
	}
}
