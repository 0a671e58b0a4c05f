package assembler

// EstimateTokens approximates the token count of s at one token per four
// bytes, rounded up.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
