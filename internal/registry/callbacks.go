package registry

import (
	"context"
	"log/slog"
	"time"
)

// EntryContext is passed to an EntryCallback before admitting a subject to a
// gym scene (§4.2).
type EntryContext struct {
	Ping    time.Duration
	Browser string
	Device  string
	Subject string
	Scene   string
}

// EntryDecision is an EntryCallback's verdict.
type EntryDecision struct {
	Exclude bool
	Message string
}

// EntryCallback is the user-supplied eligibility hook invoked before gym
// admission. Modeled as a typed interface: one method taking a context
// struct, returning a decision struct.
type EntryCallback interface {
	Decide(ctx context.Context, ec EntryContext) (EntryDecision, error)
}

// AllowAllEntry is the trivial always-allow implementation used when no
// entry callback is configured.
type AllowAllEntry struct{}

func (AllowAllEntry) Decide(context.Context, EntryContext) (EntryDecision, error) {
	return EntryDecision{}, nil
}

// ContinuousContext is passed to a ContinuousCallback every N frames during
// gameplay (§4.2).
type ContinuousContext struct {
	Ping              time.Duration
	Focused           bool
	BackgroundDuration time.Duration
	Frame             int64
	Episode           int
	Subject           string
	Scene             string
}

// ContinuousVerdict is what a ContinuousCallback may request mid-game.
type ContinuousVerdict struct {
	Exclude bool
	Warn    bool
	Message string
}

// ContinuousCallback is the user-supplied mid-game eligibility hook.
type ContinuousCallback interface {
	Check(ctx context.Context, cc ContinuousContext) (ContinuousVerdict, error)
}

// AllowAllContinuous is the trivial always-allow implementation.
type AllowAllContinuous struct{}

func (AllowAllContinuous) Check(context.Context, ContinuousContext) (ContinuousVerdict, error) {
	return ContinuousVerdict{}, nil
}

// entryDeadline bounds how long the engine waits on an EntryCallback before
// failing open (§4.2, §5: "entry callback (5 s)").
const entryDeadline = 5 * time.Second

// RunEntryCallback invokes cb with a bounded deadline. A timeout or error is
// fail-open: the subject is allowed in and the failure is logged, never
// surfaced as a hard rejection (§5 "Timeouts fail safe... callbacks fail
// open").
func RunEntryCallback(ctx context.Context, cb EntryCallback, ec EntryContext) EntryDecision {
	if cb == nil {
		cb = AllowAllEntry{}
	}
	ctx, cancel := context.WithTimeout(ctx, entryDeadline)
	defer cancel()

	type result struct {
		decision EntryDecision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		d, err := cb.Decide(ctx, ec)
		done <- result{d, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			slog.Warn("registry: entry callback error, failing open", "subject", ec.Subject, "err", r.err)
			return EntryDecision{}
		}
		return r.decision
	case <-ctx.Done():
		slog.Warn("registry: entry callback timed out, failing open", "subject", ec.Subject)
		return EntryDecision{}
	}
}

// RunContinuousCallback invokes cb for a mid-game eligibility check. Errors
// fail open (no exclude, no warn) — the continuous callback has no deadline
// of its own in the spec, so callers are expected to invoke it from a
// goroutine they can abandon rather than blocking the tick on it.
func RunContinuousCallback(ctx context.Context, cb ContinuousCallback, cc ContinuousContext) ContinuousVerdict {
	if cb == nil {
		cb = AllowAllContinuous{}
	}
	v, err := cb.Check(ctx, cc)
	if err != nil {
		slog.Warn("registry: continuous callback error, failing open", "subject", cc.Subject, "err", err)
		return ContinuousVerdict{}
	}
	return v
}
