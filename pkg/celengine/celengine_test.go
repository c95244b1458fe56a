package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type booking struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	TotalAmount   int64  `json:"total_amount"`
}

func TestCompileAndEval(t *testing.T) {
	prg, err := Compile(`booking.status == "completed" && booking.payment_status == "paid"`, "booking")
	require.NoError(t, err)

	ok, err := prg.Eval(map[string]any{"booking": StructToMap(booking{Status: "completed", PaymentStatus: "paid"})})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = prg.Eval(map[string]any{"booking": StructToMap(booking{Status: "completed", PaymentStatus: "pending"})})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsUnknownVariable(t *testing.T) {
	_, err := Compile(`order.status == "paid"`, "booking")
	require.Error(t, err)
}

func TestEvalRequiresBool(t *testing.T) {
	prg, err := Compile(`booking.status`, "booking")
	require.NoError(t, err)

	_, err = prg.Eval(map[string]any{"booking": map[string]any{"status": "completed"}})
	require.Error(t, err)
}
