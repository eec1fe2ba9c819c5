package clients

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/vitwit/x402-registry/types"
)

// lookupError classifies a failed transaction lookup.
// Only a definite "not found" from the node is final; anything else may succeed on retry.
func lookupError(err error, network string, what string) error {
	if errors.Is(err, ethereum.NotFound) {
		return types.WrapError(types.ErrTransferNotFound,
			fmt.Sprintf("%s not found on %s", what, network), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.WrapError(types.ErrTransferUnconfirmed,
			fmt.Sprintf("timed out fetching %s from %s", what, network), err)
	}

	return types.WrapError(types.ErrTransferUnconfirmed,
		fmt.Sprintf("failed to fetch %s from %s", what, network), err)
}

func mismatch(format string, args ...any) error {
	return types.NewError(types.ErrTransferMismatch, format, args...)
}
