package security

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "", MaskCredential(""))
	assert.Equal(t, "***", MaskCredential("abc"))
	assert.Equal(t, "ab****", MaskCredential("abcdef"))
	assert.Equal(t, "PKAB**********5678", MaskCredential("PKABCDEFGH12345678"))
}

func TestMaskString(t *testing.T) {
	cases := map[string]string{
		"APCA-API-KEY-ID: PKABCDEFGH12345678":       "APCA-API-KEY-ID: PKAB**********5678",
		`{"api_key":"abcdefghijkl","symbol":"ABC"}`: `{"api_key":"abcd****ijkl","symbol":"ABC"}`,
		"Authorization: Bearer abcdefghijklmnop":     "Authorization: Bearer abcd********mnop",
		"jwt_secret=supersecretvalue":               "jwt_secret=supe********alue",
		"order c-1 filled 10 @ 101.25":              "order c-1 filled 10 @ 101.25",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskString(in), in)
	}
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "", MaskURL(""))
	assert.Equal(t, "https://hooks.slack.com/services/T000/B000/XXXX********XXXX",
		MaskURL("https://hooks.slack.com/services/T000/B000/XXXXabcdefghXXXX"))
	assert.Equal(t, "https://example.com/****?***", MaskURL("https://user:pw@example.com/hook?token=abc"))
}

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactingWriter(&buf)

	line := []byte(`{"level":"debug","secret_key":"abcdefghijkl"}` + "\n")
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.Equal(t, `{"level":"debug","secret_key":"abcd****ijkl"}`+"\n", buf.String())
}

func TestNormalizeSymbol(t *testing.T) {
	for in, want := range map[string]string{"aapl": "AAPL", " brk.b ": "BRK.B", "BRK_B": "BRK_B", "btc/usd": "BTC/USD"} {
		got, err := NormalizeSymbol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "AA PL", "DROP;TABLE", "ABCDEFGHIJKLMNOPQRSTUVWXYZ", "-ABC"} {
		_, err := NormalizeSymbol(in)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, in)
	}
}

func TestValidateClientOrderID(t *testing.T) {
	assert.NoError(t, ValidateClientOrderID("5f0c8c0e-2b6a-5d3e-9d8b-1f2a3b4c5d6e"))
	assert.Error(t, ValidateClientOrderID(""))
	assert.Error(t, ValidateClientOrderID("id with spaces"))
	assert.Error(t, ValidateClientOrderID("../etc/passwd"))
}

func TestProperty_MaskCredentialHidesMiddle(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("masking keeps length and never reveals more than 8 characters", prop.ForAll(
		func(secret string) bool {
			masked := MaskCredential(secret)
			if len(masked) != len(secret) {
				return false
			}
			revealed := 0
			for i := range masked {
				if masked[i] != '*' {
					revealed++
				}
			}
			return revealed <= 8 && revealed < len(secret)
		},
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 }),
	))

	properties.TestingRun(t)
}
