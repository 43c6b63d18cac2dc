package runners

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShQuoteEscapesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shQuote("it's"))
	assert.Equal(t, "'plain'", shQuote("plain"))
}

func TestShCmdWrapsInShell(t *testing.T) {
	cmd := shCmd("echo hi")
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, cmd)
}

func TestPyQuoteEscapesSpecialChars(t *testing.T) {
	assert.Equal(t, `"plain"`, pyQuote("plain"))
	assert.Equal(t, `"line\nbreak"`, pyQuote("line\nbreak"))
	assert.Equal(t, `"say \"hi\""`, pyQuote(`say "hi"`))
	assert.Equal(t, "\"\\$HOME \\`whoami\\`\"", pyQuote("$HOME `whoami`"))
}

func TestExtractJavaClassNameFindsPublicClass(t *testing.T) {
	assert.Equal(t, "Solution", extractJavaClassName("public class Solution {\n  public static void main(String[] a) {}\n}"))
}

func TestExtractJavaClassNameDefaultsToMain(t *testing.T) {
	assert.Equal(t, "Main", extractJavaClassName("class Helper {}"))
}
