package canonical

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builder assembles a Request field by field and validates it before sealing.
// A zero Builder is usable; Build fails until id, model, messages and the
// original format are all present.
type Builder struct {
	req  Request
	errs []error
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) ID(id string) *Builder {
	b.req.ID = id
	return b
}

// GenerateID assigns a fresh request ID.
func (b *Builder) GenerateID() *Builder {
	b.req.ID = "req_" + uuid.NewString()
	return b
}

func (b *Builder) Model(model string) *Builder {
	b.req.Model = model
	return b
}

func (b *Builder) AddMessage(msg Message) *Builder {
	switch msg.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		b.errs = append(b.errs, fmt.Errorf("invalid message role %q", msg.Role))
		return b
	}
	b.req.Messages = append(b.req.Messages, msg)
	return b
}

func (b *Builder) Temperature(t float64) *Builder {
	b.req.Temperature = &t
	return b
}

func (b *Builder) MaxTokens(n int) *Builder {
	b.req.MaxTokens = &n
	return b
}

func (b *Builder) TopP(p float64) *Builder {
	b.req.TopP = &p
	return b
}

func (b *Builder) Stream(stream bool) *Builder {
	b.req.Stream = stream
	return b
}

func (b *Builder) System(system string) *Builder {
	b.req.System = system
	return b
}

func (b *Builder) AddTool(tool Tool) *Builder {
	if tool.Name == "" {
		b.errs = append(b.errs, errors.New("tool name is required"))
		return b
	}
	b.req.Tools = append(b.req.Tools, tool)
	return b
}

func (b *Builder) ToolChoice(tc ToolChoice) *Builder {
	b.req.ToolChoice = &tc
	return b
}

func (b *Builder) StopSequences(seqs ...string) *Builder {
	b.req.StopSequences = append(b.req.StopSequences, seqs...)
	return b
}

func (b *Builder) OriginalFormat(format string) *Builder {
	b.req.Metadata.OriginalFormat = format
	return b
}

func (b *Builder) Category(category string) *Builder {
	b.req.Metadata.Category = category
	return b
}

func (b *Builder) RoutingHint(key, value string) *Builder {
	if b.req.Metadata.RoutingHints == nil {
		b.req.Metadata.RoutingHints = make(map[string]string)
	}
	b.req.Metadata.RoutingHints[key] = value
	return b
}

// Build validates and seals the request. The returned Request is a value copy
// and must not be mutated afterwards.
func (b *Builder) Build() (*Request, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.req.ID == "" {
		return nil, errors.New("request id is required")
	}
	if b.req.Model == "" {
		return nil, errors.New("model is required")
	}
	if len(b.req.Messages) == 0 {
		return nil, errors.New("at least one message is required")
	}
	if b.req.Metadata.OriginalFormat == "" {
		return nil, errors.New("original format metadata is required")
	}
	if b.req.Metadata.ReceivedAt.IsZero() {
		b.req.Metadata.ReceivedAt = time.Now()
	}

	req := b.req
	return &req, nil
}
