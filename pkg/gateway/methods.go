package gateway

import (
	"context"
	"time"

	"github.com/blocunited/weave/pkg/pack"
	"github.com/blocunited/weave/pkg/session"
	"github.com/blocunited/weave/pkg/turn"
)

// SessionControl is the slice of the session engine the gateway drives.
type SessionControl interface {
	Start(ctx context.Context, chatID, workflow string) (*session.Session, error)
	SubmitTurn(ctx context.Context, chatID string, ev *turn.Event) error
	Pause(chatID string) error
	Resume(chatID string, summary map[string]any) error
	Abort(chatID string) error
	Status(ctx context.Context, chatID string) (session.Status, error)
}

// PackControl is the slice of the pack coordinator the gateway drives.
type PackControl interface {
	Begin(ctx context.Context, parentChat string, dec pack.Decomposition) (*pack.Run, error)
	Start(ctx context.Context, runID, workflow string) error
	Run(ctx context.Context, runID string) (*pack.Run, error)
}

// UIResponder delivers client answers to tools blocked on user input.
type UIResponder interface {
	Respond(id string, payload map[string]any) error
	Pending() int
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("session.start", s.handleSessionStart)
	_ = s.router.RegisterMethod("session.pause", s.handleSessionPause)
	_ = s.router.RegisterMethod("session.resume", s.handleSessionResume)
	_ = s.router.RegisterMethod("session.abort", s.handleSessionAbort)
	_ = s.router.RegisterMethod("session.status", s.handleSessionStatus)
	_ = s.router.RegisterMethod("turn.submit", s.handleTurnSubmit)
	_ = s.router.RegisterMethod("gateway.clients", s.handleGatewayClients)

	if s.waits != nil {
		_ = s.router.RegisterMethod("ui.respond", s.handleUIRespond)
	}
	if s.packs != nil {
		_ = s.router.RegisterMethod("pack.begin", s.handlePackBegin)
		_ = s.router.RegisterMethod("pack.start", s.handlePackStart)
		_ = s.router.RegisterMethod("pack.status", s.handlePackStatus)
	}
}

func requireString(params map[string]any, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", &RPCError{Code: InvalidParams, Message: key + " is required"}
	}
	return value, nil
}

func optionalString(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return value
}

func optionalMap(params map[string]any, key string) map[string]any {
	value, _ := params[key].(map[string]any)
	return value
}

func (s *Server) handleSessionStart(params map[string]any) (any, error) {
	chatID, err := requireString(params, "chat_id")
	if err != nil {
		return nil, err
	}
	workflow, err := requireString(params, "workflow")
	if err != nil {
		return nil, err
	}

	sess, err := s.engine.Start(context.Background(), chatID, workflow)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chat_id":  chatID,
		"workflow": workflow,
		"agent":    sess.Agent(),
		"status":   string(sess.Status()),
	}, nil
}

func (s *Server) handleSessionPause(params map[string]any) (any, error) {
	chatID, err := requireString(params, "chat_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Pause(chatID); err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": chatID, "status": string(session.StatusPaused)}, nil
}

func (s *Server) handleSessionResume(params map[string]any) (any, error) {
	chatID, err := requireString(params, "chat_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Resume(chatID, optionalMap(params, "summary")); err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": chatID, "status": string(session.StatusInProgress)}, nil
}

func (s *Server) handleSessionAbort(params map[string]any) (any, error) {
	chatID, err := requireString(params, "chat_id")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Abort(chatID); err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": chatID, "status": string(session.StatusFailed)}, nil
}

func (s *Server) handleSessionStatus(params map[string]any) (any, error) {
	chatID, err := requireString(params, "chat_id")
	if err != nil {
		return nil, err
	}
	st, err := s.engine.Status(context.Background(), chatID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": chatID, "status": string(st)}, nil
}

// handleTurnSubmit feeds one agent turn into a chat's session. The event
// kind defaults to text; structured outputs carry shape and payload.
func (s *Server) handleTurnSubmit(params map[string]any) (any, error) {
	chatID, err := requireString(params, "chat_id")
	if err != nil {
		return nil, err
	}
	agent, err := requireString(params, "agent_name")
	if err != nil {
		return nil, err
	}

	kind := turn.Kind(optionalString(params, "kind"))
	if kind == "" {
		kind = turn.KindText
	}
	switch kind {
	case turn.KindText, turn.KindStructuredOutput, turn.KindToolResponse:
	default:
		return nil, &RPCError{Code: InvalidParams, Message: "unsupported turn kind: " + string(kind)}
	}

	ev := &turn.Event{
		ChatID:    chatID,
		AgentName: agent,
		Kind:      kind,
		Text:      optionalString(params, "text"),
		Shape:     optionalString(params, "shape"),
		Payload:   optionalMap(params, "payload"),
		ToolName:  optionalString(params, "tool_name"),
		Timestamp: time.Now(),
	}

	if err := s.engine.SubmitTurn(context.Background(), chatID, ev); err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": chatID, "accepted": true}, nil
}

func (s *Server) handleUIRespond(params map[string]any) (any, error) {
	waitID, err := requireString(params, "wait_id")
	if err != nil {
		return nil, err
	}
	payload := optionalMap(params, "payload")
	if payload == nil {
		return nil, &RPCError{Code: InvalidParams, Message: "payload is required"}
	}
	if err := s.waits.Respond(waitID, payload); err != nil {
		return nil, err
	}
	return map[string]any{"wait_id": waitID, "delivered": true}, nil
}

func (s *Server) handlePackBegin(params map[string]any) (any, error) {
	chatID, err := requireString(params, "chat_id")
	if err != nil {
		return nil, err
	}
	appID, err := requireString(params, "app_id")
	if err != nil {
		return nil, err
	}

	rawWorkflows, ok := params["workflows"].([]any)
	if !ok || len(rawWorkflows) == 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "workflows is required"}
	}
	workflows := make([]string, 0, len(rawWorkflows))
	for _, raw := range rawWorkflows {
		name, ok := raw.(string)
		if !ok || name == "" {
			return nil, &RPCError{Code: InvalidParams, Message: "workflows entries must be strings"}
		}
		workflows = append(workflows, name)
	}

	edges := make(map[string][]string)
	for child, rawParents := range optionalMap(params, "edges") {
		parents, ok := rawParents.([]any)
		if !ok {
			return nil, &RPCError{Code: InvalidParams, Message: "edges values must be arrays"}
		}
		for _, raw := range parents {
			parent, ok := raw.(string)
			if !ok || parent == "" {
				return nil, &RPCError{Code: InvalidParams, Message: "edges entries must be strings"}
			}
			edges[child] = append(edges[child], parent)
		}
	}

	run, err := s.packs.Begin(context.Background(), chatID, pack.Decomposition{
		AppID:     appID,
		Workflows: workflows,
		Edges:     edges,
	})
	if err != nil {
		return nil, err
	}
	return run.Summary(), nil
}

func (s *Server) handlePackStart(params map[string]any) (any, error) {
	runID, err := requireString(params, "run_id")
	if err != nil {
		return nil, err
	}
	workflow, err := requireString(params, "workflow")
	if err != nil {
		return nil, err
	}
	if err := s.packs.Start(context.Background(), runID, workflow); err != nil {
		return nil, err
	}
	return map[string]any{"run_id": runID, "workflow": workflow, "started": true}, nil
}

func (s *Server) handlePackStatus(params map[string]any) (any, error) {
	runID, err := requireString(params, "run_id")
	if err != nil {
		return nil, err
	}
	run, err := s.packs.Run(context.Background(), runID)
	if err != nil {
		return nil, err
	}
	return run.Summary(), nil
}

func (s *Server) handleGatewayClients(map[string]any) (any, error) {
	return map[string]any{"clients": s.clients.Infos()}, nil
}
