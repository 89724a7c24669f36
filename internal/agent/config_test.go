package agent

import (
	"testing"
	"time"
)

func TestConfig_ApplyDefaults_ZeroValue(t *testing.T) {
	applied := Config{}.ApplyDefaults()

	if applied.SpeedMultiplier != 1 {
		t.Fatalf("expected SpeedMultiplier=1 for zero value config, got %v", applied.SpeedMultiplier)
	}
	if applied.StartDelay != 0 || applied.SectionTimeout != 0 {
		t.Fatalf("expected zero delay and timeout, got %v and %v", applied.StartDelay, applied.SectionTimeout)
	}
}

func TestConfig_ApplyDefaults_Negative(t *testing.T) {
	applied := Config{
		StartDelay:      -time.Second,
		SpeedMultiplier: -2,
		SectionTimeout:  -time.Millisecond,
	}.ApplyDefaults()

	if applied.SpeedMultiplier != 1 {
		t.Fatalf("expected SpeedMultiplier=1, got %v", applied.SpeedMultiplier)
	}
	if applied.StartDelay != 0 {
		t.Fatalf("expected StartDelay=0, got %v", applied.StartDelay)
	}
	if applied.SectionTimeout != 0 {
		t.Fatalf("expected SectionTimeout=0, got %v", applied.SectionTimeout)
	}
}

func TestConfig_ApplyDefaults_KeepsValid(t *testing.T) {
	cfg := Config{
		StartDelay:      500 * time.Millisecond,
		SpeedMultiplier: 2.5,
		SectionTimeout:  3 * time.Second,
	}
	if applied := cfg.ApplyDefaults(); applied != cfg {
		t.Fatalf("valid config changed: %+v -> %+v", cfg, applied)
	}
}

func TestConfig_Scale(t *testing.T) {
	cfg := Config{SpeedMultiplier: 2}.ApplyDefaults()
	if got := cfg.scale(3 * time.Second); got != 1500*time.Millisecond {
		t.Fatalf("scale(3s) at 2x = %v, want 1.5s", got)
	}
	if got := DefaultConfig().scale(time.Second); got != time.Second {
		t.Fatalf("scale(1s) at 1x = %v", got)
	}
}
