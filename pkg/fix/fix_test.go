package fix

import (
	"math"
	"testing"
	"time"
)

func validFix() Fix {
	return Fix{
		Timestamp:          time.Now(),
		DeviceID:           "watch-01",
		Latitude:           59.3293,
		Longitude:          18.0686,
		HorizontalAccuracy: 10,
		VerticalAccuracy:   15,
		Speed:              1.2,
		Course:             90,
		BatteryFraction:    0.8,
		Sequence:           1,
	}
}

func TestFixValidate(t *testing.T) {
	f := validFix()
	if err := f.Validate(); err != nil {
		t.Fatalf("valid fix should pass: %v", err)
	}

	bad := validFix()
	bad.Latitude = 91
	if err := bad.Validate(); err == nil {
		t.Error("latitude 91 should fail validation")
	}

	bad = validFix()
	bad.Speed = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative speed should fail validation")
	}

	bad = validFix()
	bad.BatteryFraction = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("battery fraction above 1 should fail validation")
	}

	bad = validFix()
	bad.Sequence = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero sequence should fail validation")
	}
}

func TestDistance(t *testing.T) {
	// Stockholm to Gothenburg is roughly 398 km
	d := Distance(59.3293, 18.0686, 57.7089, 11.9746)
	if d < 390000 || d > 410000 {
		t.Errorf("Stockholm-Gothenburg distance = %f m, expected ~398 km", d)
	}

	// (0,0) to (1,1) is roughly 157 km, the jump-rejection test case
	d = Distance(0, 0, 1, 1)
	if d < 150000 || d > 165000 {
		t.Errorf("(0,0)-(1,1) distance = %f m, expected ~157 km", d)
	}

	if d := Distance(45, 45, 45, 45); d != 0 {
		t.Errorf("zero distance expected, got %f", d)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := Distance(59.3293, 18.0686, 57.7089, 11.9746)
	b := Distance(57.7089, 11.9746, 59.3293, 18.0686)
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("distance not symmetric: %f vs %f", a, b)
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"auto", "emergency", "balanced", "saver"} {
		if _, err := ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseMode("turbo"); err == nil {
		t.Error("ParseMode should reject unknown modes")
	}
}

func TestModeEffective(t *testing.T) {
	if ModeAuto.Effective() != ModeBalanced {
		t.Error("auto should resolve to balanced")
	}
	if ModeEmergency.Effective() != ModeEmergency {
		t.Error("emergency should stay emergency")
	}
}

func TestPresetClamped(t *testing.T) {
	p := CadencePreset{Name: "wild", HeartbeatInterval: time.Second, FullFixInterval: 5 * time.Hour}
	c := p.Clamped()
	if c.HeartbeatInterval != MinHeartbeatInterval {
		t.Errorf("heartbeat not clamped up: %v", c.HeartbeatInterval)
	}
	if c.FullFixInterval != MaxFullFixInterval {
		t.Errorf("full-fix not clamped down: %v", c.FullFixInterval)
	}

	// In-range values pass through unchanged
	if got := PresetBalanced.Clamped(); got != PresetBalanced {
		t.Errorf("balanced preset changed by clamping: %+v", got)
	}
}

func TestEffectivePreset(t *testing.T) {
	// Emergency ignores battery
	if got := EffectivePreset(ModeEmergency, 0.05); got.Name != "aggressive" {
		t.Errorf("emergency at 5%% battery should be aggressive, got %s", got.Name)
	}
	// Low battery degrades balanced to saver
	if got := EffectivePreset(ModeBalanced, 0.15); got.Name != "saver" {
		t.Errorf("balanced at 15%% battery should be saver, got %s", got.Name)
	}
	if got := EffectivePreset(ModeAuto, 0.9); got.Name != "balanced" {
		t.Errorf("auto at 90%% battery should be balanced, got %s", got.Name)
	}
}

func TestPolicyFor(t *testing.T) {
	p := PolicyFor(ModeBalanced)
	if p.MaxHorizontalAccuracyM != 75 || p.MaxJumpDistanceM != 5000 || p.MaxFixStaleness != 120*time.Second {
		t.Errorf("balanced policy wrong: %+v", p)
	}
	if PolicyFor(ModeAuto) != PolicyFor(ModeBalanced) {
		t.Error("auto should map to the balanced policy")
	}
	if PolicyFor(ModeEmergency).MaxJumpDistanceM != 50000 {
		t.Errorf("emergency jump threshold wrong: %+v", PolicyFor(ModeEmergency))
	}
}
