package config

import "testing"

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() config failed validation: %v", err)
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_RejectsNonPositiveBitrate(t *testing.T) {
	cfg := Default()
	cfg.BitrateKbps = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero bitrate")
	}
}

func TestValidate_RejectsEmptyStreamID(t *testing.T) {
	cfg := Default()
	cfg.StreamID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty stream_id")
	}
}

func TestLoad_ExplicitMissingFileReturnsError(t *testing.T) {
	cfg, err := Load("/nonexistent/path/vidrs.yaml")
	if err == nil {
		t.Fatalf("expected error for explicit missing config file, got cfg %+v", cfg)
	}
}
