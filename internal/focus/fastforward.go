package focus

import (
	"fmt"
	"sync"

	"github.com/chasemcd/mug-engine/internal/env"
	"github.com/chasemcd/mug-engine/internal/rollback"
)

// QueuedInput is one partner action buffered while the local tab is
// backgrounded (§4.7.1 "dedicated background queue").
type QueuedInput struct {
	Frame  int64
	Player int
	Action env.Action
}

// BackgroundQueue buffers partner inputs that arrive while the local tab is
// backgrounded, separately from the engine's regular input path — frames
// don't advance locally while backgrounded, so these can't be submitted to
// the rollback engine until fast-forward runs.
type BackgroundQueue struct {
	mu     sync.Mutex
	queued []QueuedInput
}

// NewBackgroundQueue returns an empty queue.
func NewBackgroundQueue() *BackgroundQueue {
	return &BackgroundQueue{}
}

// Push buffers a partner input received while backgrounded.
func (q *BackgroundQueue) Push(input QueuedInput) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, input)
}

// DrainAndClear returns every buffered input and empties the queue, for
// consumption by FastForward on foreground restore.
func (q *BackgroundQueue) DrainAndClear() []QueuedInput {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queued
	q.queued = nil
	return out
}

// FastForward replays buffered partner inputs plus the idle action for the
// local player, from the engine's current frontier up to and including the
// highest buffered frame, in a single batch (§4.7.2). If syncedTermination
// is known, frames at or past it are not stepped, so fast-forward never
// steps past the agreed episode boundary. Confirmed-frame promotion happens automatically inside
// the engine as each frame's inputs become complete.
func FastForward(engine *rollback.Engine, selfPlayer int, idleAction env.Action, buffered []QueuedInput, syncedTermination *int64) (advanced int64, err error) {
	byFrame := make(map[int64][]QueuedInput)
	maxBufferedFrame := engine.Frame() - 1
	for _, q := range buffered {
		byFrame[q.Frame] = append(byFrame[q.Frame], q)
		if q.Frame > maxBufferedFrame {
			maxBufferedFrame = q.Frame
		}
	}

	capFrame := maxBufferedFrame + 1
	if syncedTermination != nil && *syncedTermination < capFrame {
		capFrame = *syncedTermination
	}

	start := engine.Frame()
	for f := start; f < capFrame; f++ {
		if syncedTermination != nil && f >= *syncedTermination {
			// Skip frames at or past the agreed episode boundary (§4.7.2).
			break
		}
		for _, q := range byFrame[f] {
			if err := engine.SubmitInput(q.Player, q.Frame, q.Action); err != nil {
				return f - start, fmt.Errorf("focus: fast-forward submit at frame %d: %w", f, err)
			}
		}
		if err := engine.SubmitInput(selfPlayer, f, idleAction); err != nil {
			return f - start, fmt.Errorf("focus: fast-forward idle submit at frame %d: %w", f, err)
		}
		if _, err := engine.Advance(); err != nil {
			return f - start, fmt.Errorf("focus: fast-forward advance at frame %d: %w", f, err)
		}
	}
	return engine.Frame() - start, nil
}
