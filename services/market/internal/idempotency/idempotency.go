package idempotency

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// CallerContext identifies one retryable request: the signing address
// plus the Idempotency-Key header it sent.
type CallerContext struct {
	Caller         common.Address
	IdempotencyKey string
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, caller common.Address, idempotencyKey, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, caller common.Address, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error
}

// Replay returns the stored response for a repeated request. A missing
// key disables idempotency for the call.
func Replay(ctx context.Context, st Store, cc CallerContext, endpoint string) (int, map[string]any, bool, error) {
	if cc.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, cc.Caller, cc.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, cc CallerContext, endpoint string, status int, response map[string]any) error {
	if cc.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, cc.Caller, cc.IdempotencyKey, endpoint, status, response)
}
