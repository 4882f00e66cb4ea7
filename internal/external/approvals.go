package external

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// ApprovalSource answers whether a pending approval stage has been
// granted. Polled by the approval action until granted or timed out.
type ApprovalSource interface {
	Granted(ctx context.Context, jobID, stage string) (bool, error)
}

// FileApprovals grants an approval when a marker file named
// "<job>-<stage>" appears in the directory. An operator (or an
// out-of-band system) touches the file to approve.
type FileApprovals struct {
	Dir string
}

func (a FileApprovals) Granted(_ context.Context, jobID, stage string) (bool, error) {
	_, err := os.Stat(filepath.Join(a.Dir, jobID+"-"+stage))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// StaticApprovals pre-grants everything (tests) or nothing.
type StaticApprovals bool

func (a StaticApprovals) Granted(context.Context, string, string) (bool, error) {
	return bool(a), nil
}

// PollApproval polls the source at the given interval until granted,
// the context ends, or the source errors.
func PollApproval(ctx context.Context, src ApprovalSource, jobID, stage string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		granted, err := src.Granted(ctx, jobID, stage)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
