package chain

import (
	"errors"
	"testing"
)

func TestIsHistoricalDepthError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("missing trie node a3f9... (path )"), true},
		{errors.New("archive required: eth_call at old block"), true},
		{errors.New("query exceeds limit: block range too large"), true},
		{errors.New("Pruned history unavailable"), true},
		{errors.New("state not available, oldest block is 19000000"), true},
		{errors.New("connection reset by peer"), false},
		{errors.New("execution reverted"), false},
	}
	for _, tc := range tests {
		if got := IsHistoricalDepthError(tc.err); got != tc.want {
			t.Errorf("IsHistoricalDepthError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
