package sequence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	require.Equal(t, "WDR-261019-001AB", FormatCode("WDR", "261019", 1, "AB"))
	require.Equal(t, "WDR-261019-00ZXY", FormatCode("WDR", "261019", 35, "XY"))
	require.Equal(t, "WDR-261019-RS0QQ", FormatCode("WDR", "261019", 36*36*27+28*36, "QQ"))
}

func TestRandomAlphaNumeric(t *testing.T) {
	s := randomAlphaNumeric(8)
	require.Len(t, s, 8)
	require.NotContains(t, s, "0")
	require.NotContains(t, s, "O")
}
