// Package versionutil normalizes the version strings stamped into builds.
package versionutil

import "strings"

// Normalize trims s and gives release versions a leading "v". Empty and
// "dev" versions pass through.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "dev" || strings.HasPrefix(s, "v") {
		return s
	}
	return "v" + s
}
