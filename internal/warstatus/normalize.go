package warstatus

import (
	"regexp"
	"strings"
)

var countSuffix = regexp.MustCompile(`\s*\(\d+\)\s*$`)

// NormalizeBuilding canonicalizes a building name for event text:
// lowercase, leading "fort "/"castle " stripped, trailing "(n)" count
// collapsed, "great wall of X" collapsed to "wall", spaces to underscores.
func NormalizeBuilding(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = countSuffix.ReplaceAllString(s, "")
	s = strings.TrimPrefix(s, "fort ")
	s = strings.TrimPrefix(s, "castle ")
	if strings.HasPrefix(s, "great wall of ") {
		s = "wall"
	}
	s = strings.Join(strings.Fields(s), "_")
	return s
}
