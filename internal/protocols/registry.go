// Package protocols implements the per-protocol request/response transform
// hooks the pipeline executor binds to a routed provider. Each handler
// converts the canonical model to one provider wire format and back.
package protocols

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
	"github.com/Jasonzhangf/route-claudecode-sub016/internal/transform"
)

// Wire protocol names.
const (
	ProtocolAnthropic = "anthropic"
	ProtocolOpenAI    = "openai"
	ProtocolGemini    = "gemini"
)

// Handler is the contract every protocol implementation satisfies.
type Handler interface {
	Name() string
	CanHandle(protocol, model string) bool
	TransformRequest(req *canonical.Request) ([]byte, error)
	TransformResponse(raw []byte) (*canonical.Response, error)
}

// Registry manages protocol handlers keyed by protocol name.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.Name()] = h
}

func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Resolve finds a handler willing to serve the protocol/model pair. Exact
// name matches win; otherwise the first handler whose CanHandle accepts the
// pair is used (this is how "openai-compatible" servers resolve to the
// openai handler).
func (r *Registry) Resolve(protocol, model string) (Handler, error) {
	if h, ok := r.handlers[protocol]; ok {
		return h, nil
	}
	for _, h := range r.handlers {
		if h.CanHandle(protocol, model) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no protocol handler for %q", protocol)
}

func (r *Registry) List() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Initialize registers the built-in handlers, all sharing one transform
// engine.
func (r *Registry) Initialize(engine *transform.Engine) {
	r.Register(NewAnthropicHandler(engine))
	r.Register(NewOpenAIHandler(engine))
	r.Register(NewGeminiHandler(engine))
}

// familyMatch reports whether a protocol string belongs to a handler family,
// e.g. "openai-compatible" under "openai".
func familyMatch(protocol, family string) bool {
	return protocol == family || strings.HasPrefix(protocol, family+"-") || strings.Contains(protocol, family)
}

// requestToTree converts a canonical request into the path-addressable value
// tree the transform engine operates on.
func requestToTree(req *canonical.Request) (map[string]any, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical request: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal canonical request tree: %w", err)
	}
	// Gateway-internal metadata never goes on the wire.
	delete(tree, "metadata")
	return tree, nil
}
