package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentStripsScriptTags(t *testing.T) {
	out := Content("hello <script>alert(1)</script> world")
	assert.Equal(t, "hello [FILTERED] world", out)
}

func TestContentStripsControlChars(t *testing.T) {
	out := Content("hello\x00\x01 world")
	assert.Equal(t, "hello world", out)
}

func TestMaskAPIKeyRedactsOpenAIKey(t *testing.T) {
	out := MaskAPIKey("key is sk-abcdefghijklmnopqrstuvwxyz123456")
	assert.Contains(t, out, "[OPENAI_KEY]")
	assert.NotContains(t, out, "abcdefghij")
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("hello world")
	b := Fingerprint("hello world")
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
}

func TestSenderNormalizes(t *testing.T) {
	assert.Equal(t, "Alice", Sender("  alice  "))
	assert.Equal(t, "", Sender("   "))
}
