package interactive

import "regexp"

// csiPattern matches ANSI CSI escape sequences (ESC '[' ... final byte in
// the 0x40-0x7E range), the class of sequence terminals use for cursor
// movement and coloring that a plain text client stream has no use for.
var csiPattern = regexp.MustCompile("\x1b\\[[0-9;?]*[@-~]")

// StripANSI removes CSI escape sequences from s, leaving the raw text a
// client would actually want to render.
func StripANSI(s string) string {
	return csiPattern.ReplaceAllString(s, "")
}
