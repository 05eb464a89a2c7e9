// Package notebookmeta validates notebook-facing metadata fields that
// aren't worth a CRDT or a merge rule of their own — currently just the
// notebook icon, which must be a single emoji glyph.
package notebookmeta

import (
	"fmt"

	"github.com/forPelevin/gomoji"
)

// ValidateIcon reports whether s is empty (no icon set) or consists of
// exactly one emoji with no other characters. Anything else — plain text,
// multiple emoji, an emoji plus trailing text — is rejected so a malformed
// remote notebook-meta.json never renders as garbage in the notebook list.
func ValidateIcon(s string) error {
	if s == "" {
		return nil
	}
	emojis := gomoji.FindAll(s)
	if len(emojis) != 1 {
		return fmt.Errorf("icon must be exactly one emoji, found %d in %q", len(emojis), s)
	}
	if gomoji.RemoveEmojis(s) != "" {
		return fmt.Errorf("icon must contain only the emoji glyph, got %q", s)
	}
	return nil
}

// SanitizeIcon returns s if it validates as a single emoji, or "" otherwise.
// Used when applying a remote NotebookMeta so a malformed icon degrades to
// "no icon" rather than rejecting the whole metadata apply.
func SanitizeIcon(s string) string {
	if ValidateIcon(s) != nil {
		return ""
	}
	return s
}
