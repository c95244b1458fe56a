package rediskey

import "fmt"

const (
	SequencePrefix   = "seq"
	WithdrawalPrefix = "WDR"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}

// BuildWithdrawalSequenceKey returns "seq:WDR:{yymmdd}"
func BuildWithdrawalSequenceKey(day string) string {
	return BuildDailySequenceKey(WithdrawalPrefix, day)
}
