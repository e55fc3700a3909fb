package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// SplitRunes cuts s into pieces of at most n runes. Joining the pieces
// gives back s byte for byte.
func SplitRunes(s string, n int) []string {
	if n <= 0 {
		n = 50
	}
	var out []string
	for len(s) > 0 {
		i, count := 0, 0
		for i < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
			count++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}

// streamReply writes content as a chat.completion.chunk event stream: a
// role chunk, content chunks, a finish chunk, then [DONE].
func (s *Server) streamReply(w http.ResponseWriter, id, model string, created int64, content string) error {
	flusher, _ := w.(http.Flusher)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	chunk := func(d Delta, finish *string) Chunk {
		return Chunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChunkChoice{{Index: 0, Delta: d, FinishReason: finish}},
		}
	}
	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := send(chunk(Delta{Role: "assistant"}, nil)); err != nil {
		return fmt.Errorf("openai: stream: %w", err)
	}
	for _, piece := range SplitRunes(content, s.cfg.StreamChunk) {
		if err := send(chunk(Delta{Content: piece}, nil)); err != nil {
			return fmt.Errorf("openai: stream: %w", err)
		}
	}
	stop := "stop"
	if err := send(chunk(Delta{}, &stop)); err != nil {
		return fmt.Errorf("openai: stream: %w", err)
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("openai: stream: %w", err)
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
