package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineEnding(t *testing.T) {
	tests := []struct {
		in   string
		want LineEnding
		err  bool
	}{
		{"", EndingLF, false},
		{"none", EndingNone, false},
		{"CR", EndingCR, false},
		{" lfcr ", EndingLFCR, false},
		{"crlf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLineEnding(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode("STATUS", EndingLFCR)
	require.NoError(t, err)
	assert.Equal(t, "STATUS\n\r", string(b))

	b, err = Encode("STATUS", EndingNone)
	require.NoError(t, err)
	assert.Equal(t, "STATUS", string(b))

	b, err = Encode("", EndingCR)
	require.NoError(t, err)
	assert.Equal(t, "\r", string(b))

	_, err = Encode("", EndingNone)
	assert.ErrorIs(t, err, ErrEmptyLine)
}

func TestRender(t *testing.T) {
	assert.Equal(t, "SET P 1.5", Render("SET P {}", 1.5))
	assert.Equal(t, "K=2 K=2", Render("K={0} K={}", 2))
	assert.Equal(t, "RESET", Render("RESET", 7))
}

func TestParameterRender(t *testing.T) {
	p := Parameter{Name: "gain", Template: "G {}", Min: 0, Max: 10, Enabled: true}

	got, err := p.Render(12)
	require.NoError(t, err)
	assert.Equal(t, "G 10", got)

	got, err = p.Render(-0.25)
	require.NoError(t, err)
	assert.Equal(t, "G 0", got)

	p.Enabled = false
	_, err = p.Render(1)
	assert.Error(t, err)

	_, err = Parameter{Name: "x", Enabled: true}.Render(1)
	assert.Error(t, err)
}
