package sharing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"doseref/api/internal/store"
)

// sectionSeparator joins section payloads. A unit separator cannot appear
// in normalized content, so joins are unambiguous.
const sectionSeparator = "\x1f"

// groupIDPrefix derives a group document id from a content hash.
const groupIDPrefix = "shared_"

// HashContent computes the content identity key for a reference body:
// normalized sections joined as "type:content", or the legacy note list
// when the reference has no sections. Returns "" for content that cannot
// be hashed (nothing left after normalization); callers must never create
// a group for an unhashable reference.
//
// Section order is part of the identity: the same sections in a different
// order hash differently.
func HashContent(sections []store.Section, legacyNotes []string) string {
	var parts []string
	if len(sections) > 0 {
		for _, section := range sections {
			content := normalizeText(section.Content)
			if content == "" {
				continue
			}
			parts = append(parts, normalizeText(section.Type)+":"+content)
		}
	} else {
		for _, note := range legacyNotes {
			content := normalizeText(note)
			if content == "" {
				continue
			}
			parts = append(parts, content)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, sectionSeparator)))
	return hex.EncodeToString(sum[:])
}

// HashReference hashes a reference's stored content.
func HashReference(ref store.Reference) string {
	return HashContent(ref.Sections, ref.LegacyNotes)
}

// GroupIDForHash is the deterministic group document id for a content hash.
// One hash, one possible group id.
func GroupIDForHash(hash string) string {
	return groupIDPrefix + hash
}

// normalizeText unifies line endings, collapses whitespace runs and trims,
// so formatting-only differences never change the identity key.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Join(strings.Fields(text), " ")
}
