package queryoptions

import "testing"

func TestMergeFillsZeroFieldsFromDefaults(t *testing.T) {
	d := DefaultDefaults()
	got := d.Merge(Options{})
	if got.MaxNumberOfPlans != d.Options.MaxNumberOfPlans {
		t.Fatalf("expected default MaxNumberOfPlans, got %d", got.MaxNumberOfPlans)
	}
	if got.TTL != d.Options.TTL {
		t.Fatalf("expected default TTL, got %v", got.TTL)
	}
}

func TestMergeHonorsMemoryLimitDecreaseWhenOverrideDisabled(t *testing.T) {
	d := DefaultDefaults()
	d.Options.MemoryLimit = 1_000_000
	d.AllowMemoryLimitOverride = false

	got := d.Merge(Options{MemoryLimit: 500_000})
	if got.MemoryLimit != 500_000 {
		t.Fatalf("expected decrease to be honored, got %d", got.MemoryLimit)
	}
}

func TestMergeRejectsMemoryLimitIncreaseWhenOverrideDisabled(t *testing.T) {
	d := DefaultDefaults()
	d.Options.MemoryLimit = 1_000_000
	d.AllowMemoryLimitOverride = false

	got := d.Merge(Options{MemoryLimit: 2_000_000})
	if got.MemoryLimit != 1_000_000 {
		t.Fatalf("expected increase to be rejected, got %d", got.MemoryLimit)
	}
}

func TestMergeAllowsMemoryLimitIncreaseWhenOverrideEnabled(t *testing.T) {
	d := DefaultDefaults()
	d.Options.MemoryLimit = 1_000_000
	d.AllowMemoryLimitOverride = true

	got := d.Merge(Options{MemoryLimit: 2_000_000})
	if got.MemoryLimit != 2_000_000 {
		t.Fatalf("expected increase to be honored under override, got %d", got.MemoryLimit)
	}
}

func TestMergePassesThroughExplicitBooleans(t *testing.T) {
	d := DefaultDefaults()
	got := d.Merge(Options{FullCount: true, Stream: true})
	if !got.FullCount || !got.Stream {
		t.Fatalf("expected explicit booleans to pass through, got %+v", got)
	}
}
