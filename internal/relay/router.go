package relay

import "github.com/uzdabrazor/chatparty/internal/model/chat"

// Event is one logical occurrence to fan out. Kind selects the frame shape;
// the remaining fields are used per kind.
type Event struct {
	Kind            string
	Role            string
	Content         string
	Source          string
	Author          string
	ExpectsResponse bool
	Exclude         []string
}

// Router shapes events into wire frames and dispatches them through the
// registry. It exists so the conversation driver never touches registry or
// queue internals.
type Router struct {
	reg *Registry
}

// NewRouter wraps a registry.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// Emit fans one event out to all admitted connections except the excluded
// ones. Per-connection frame order follows emit order; no cross-connection
// ordering is promised.
func (r *Router) Emit(ev Event) {
	exclude := toSet(ev.Exclude)

	switch ev.Kind {
	case chat.FrameMessage:
		r.reg.broadcast(queued{frame: chat.Frame{
			Type:            chat.FrameMessage,
			Role:            ev.Role,
			Content:         ev.Content,
			Source:          ev.Source,
			UserName:        ev.Author,
			ExpectsResponse: ev.ExpectsResponse,
		}}, exclude)
	case chat.FrameError:
		// Error frames resolve client streaming state; never shed them.
		r.reg.broadcast(queued{frame: chat.Frame{
			Type:    chat.FrameError,
			Content: ev.Content,
		}, terminal: true}, exclude)
	case chat.FrameStreamComplete:
		r.reg.broadcast(queued{frame: chat.Frame{
			Type: chat.FrameStreamComplete,
		}, terminal: true}, exclude)
	}
}

// chunk dispatches one streamed fragment tied to a turn epoch.
func (r *Router) chunk(content string, seq int, epoch int64) {
	r.reg.broadcast(queued{frame: chat.Frame{
		Type:    chat.FrameChunk,
		Content: content,
		SeqID:   seq,
	}, epoch: epoch}, nil)
}
