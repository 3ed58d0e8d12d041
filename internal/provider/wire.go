package provider

import (
	"errors"
	"strings"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/looplj/axonhub/llm/httpclient"
)

// asStatusError reports whether err wraps a *httpclient.StatusError, setting
// *target when it does.
func asStatusError(err error, target **httpclient.StatusError) bool {
	return errors.As(err, target)
}

// flattenText joins a message's Text/RawText/Thought blocks for wire
// formats that only carry plain content per message (providers with richer
// multi-part content build their own mapping instead of using this).
func flattenText(blocks []llmtypes.Block) string {
	var sb strings.Builder

	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}

		switch b.Type {
		case llmtypes.BlockText, llmtypes.BlockRawText:
			sb.WriteString(b.Text)
		case llmtypes.BlockThought:
			sb.WriteString(b.ThoughtSummary)
		}
	}

	return sb.String()
}

// bearerAuthHeaderValue is the common case; a handful of providers (Gemini/Vertex
// API-key auth) override this in their own adapter.
func bearerAuthHeaderValue(token string) string {
	return "Bearer " + token
}

// classifyHTTPStatus maps a provider HTTP status to the inference-client vs
// inference-server distinction the model runner uses to decide whether a
// provider error is retriable (spec §4.3: "4xx from the provider is
// terminal for that provider; 5xx/timeout is retriable").
func classifyHTTPStatus(status int) string {
	if status >= 500 {
		return "server"
	}

	return "client"
}

// chunkDecodeFunc decodes one raw SSE event into a normalized StreamChunk.
// ok is false for events that carry no chunk (keepalives, the "[DONE]"
// sentinel); err terminates the stream.
type chunkDecodeFunc func(event *httpclient.StreamEvent) (chunk *llmtypes.StreamChunk, ok bool, err error)

// newProviderChunkStream pulls events from dec through decode and eagerly
// produces the first StreamChunk (or error) before returning, satisfying
// the "first chunk eager, rest lazy" contract (spec §4.2.4). dec is closed
// when the returned stream is closed or runs out.
func newProviderChunkStream(dec httpclient.StreamDecoder, decode chunkDecodeFunc) (*providerChunkStream, error) {
	s := &providerChunkStream{dec: dec, decode: decode}

	if !s.advance() {
		_ = s.Close()

		if s.err != nil {
			return nil, s.err
		}

		return nil, gwerr.New(gwerr.KindStreamDecode, "provider stream produced no chunks")
	}

	return s, nil
}

// providerChunkStream adapts a raw httpclient.StreamDecoder into
// streams.Stream[*llmtypes.StreamChunk].
type providerChunkStream struct {
	dec     httpclient.StreamDecoder
	decode  chunkDecodeFunc
	current *llmtypes.StreamChunk
	err     error
	primed  bool
}

// advance pulls events until decode yields a chunk, an error, or the
// underlying decoder is exhausted.
func (s *providerChunkStream) advance() bool {
	for s.dec.Next() {
		chunk, ok, err := s.decode(s.dec.Current())
		if err != nil {
			s.err = err
			return false
		}

		if !ok {
			continue
		}

		s.current = chunk

		return true
	}

	if err := s.dec.Err(); err != nil {
		s.err = gwerr.Wrap(gwerr.KindStreamDecode, "provider stream error", err)
	}

	return false
}

func (s *providerChunkStream) Next() bool {
	if !s.primed {
		// First call to Next after construction just returns the chunk
		// newProviderChunkStream already fetched.
		s.primed = true
		return s.current != nil
	}

	return s.advance()
}

func (s *providerChunkStream) Current() *llmtypes.StreamChunk { return s.current }
func (s *providerChunkStream) Err() error                     { return s.err }
func (s *providerChunkStream) Close() error                   { return s.dec.Close() }
