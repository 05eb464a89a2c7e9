package notebookmeta

import "testing"

func TestValidateIconAcceptsEmpty(t *testing.T) {
	if err := ValidateIcon(""); err != nil {
		t.Fatalf("expected empty icon to be valid, got %v", err)
	}
}

func TestValidateIconAcceptsSingleEmoji(t *testing.T) {
	if err := ValidateIcon("📘"); err != nil {
		t.Fatalf("expected single emoji to validate, got %v", err)
	}
}

func TestValidateIconRejectsPlainText(t *testing.T) {
	if err := ValidateIcon("notebook"); err == nil {
		t.Fatalf("expected plain text to be rejected")
	}
}

func TestValidateIconRejectsEmojiPlusText(t *testing.T) {
	if err := ValidateIcon("📘notes"); err == nil {
		t.Fatalf("expected emoji+text to be rejected")
	}
}

func TestSanitizeIconDegradesToEmpty(t *testing.T) {
	if got := SanitizeIcon("not an emoji"); got != "" {
		t.Fatalf("expected sanitize to blank invalid icon, got %q", got)
	}
}
