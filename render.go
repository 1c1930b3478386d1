package qx

import (
	"context"

	"github.com/qx-sh/qx/markdown"
)

// streamTurn runs one streaming provider call, feeding text deltas
// through a fresh Markdown buffer to the renderer. The spinner runs
// until the first delta arrives. After the stream ends the buffer is
// flushed and any bytes the buffer accounting missed are rendered as a
// suffix so displayed output always equals accumulated content.
//
// On error the partial response accumulated so far is returned alongside
// the error; the run loop decides whether partial content ends the turn.
func (a *Agent) streamTurn(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ch := make(chan StreamEvent, 64)
	buf := markdown.NewBuffer()

	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = a.provider.ChatStream(ctx, req, ch)
	}()

	a.spinner.Start("Processing")
	spinning := true
	rendered := 0

	for ev := range ch {
		if spinning {
			a.spinner.Stop()
			spinning = false
		}
		switch ev.Type {
		case EventTextDelta:
			if out, ok := buf.Add(ev.Content); ok {
				a.renderer.Render(out)
				rendered += len(out)
			}
		case EventReasoningDelta:
			// Reasoning is display-only; it never joins assistant content.
			if a.showThinking {
				a.sink.Printf("%s", ev.Content)
			}
		}
	}
	<-done
	if spinning {
		a.spinner.Stop()
	}

	if residue := buf.Flush(); residue != "" {
		a.renderer.Render(residue)
		rendered += len(residue)
	}
	// Recover content the renderer never saw (e.g. a stream abort between
	// accumulation and buffering).
	if rendered < len(resp.Content) {
		a.renderer.Render(resp.Content[rendered:])
	}

	return resp, err
}
