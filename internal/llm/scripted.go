package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// Scripted is a deterministic Service for tests. Each Stream call plays
// the next recorded turn; when the script runs out, the last turn repeats.
type Scripted struct {
	mu    sync.Mutex
	turns [][]*Chunk
	calls int

	// Requests records every request seen, for assertions.
	Requests []*Request

	// Object is returned by GenerateObject.
	Object json.RawMessage
}

// NewScripted creates a scripted provider from recorded turns. Each turn
// is the chunk sequence of one Stream call; a Done chunk is appended when
// the turn does not end with one.
func NewScripted(turns ...[]*Chunk) *Scripted {
	for i, turn := range turns {
		if len(turn) == 0 || !turn[len(turn)-1].Done {
			turns[i] = append(turn, &Chunk{Done: true})
		}
	}
	return &Scripted{turns: turns}
}

// TextTurn is a convenience constructor for a turn that streams text only.
func TextTurn(text string) []*Chunk {
	return []*Chunk{{Text: text}, {Done: true}}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	idx := s.calls
	if idx >= len(s.turns) {
		idx = len(s.turns) - 1
	}
	var turn []*Chunk
	if idx >= 0 {
		turn = s.turns[idx]
	}
	s.calls++
	s.mu.Unlock()

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		if len(turn) == 0 {
			chunks <- &Chunk{Done: true}
			return
		}
		for _, chunk := range turn {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				chunks <- &Chunk{Error: ctx.Err(), Done: true}
				return
			}
		}
	}()
	return chunks, nil
}

func (s *Scripted) GenerateObject(_ context.Context, req *Request, _ json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	s.mu.Unlock()
	if s.Object != nil {
		return s.Object, nil
	}
	return json.RawMessage(`{}`), nil
}

// Calls returns how many Stream invocations have happened.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
