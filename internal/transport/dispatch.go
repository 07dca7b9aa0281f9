package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/agentd/internal/replyloop"
)

// dispatchRequest runs one JSON-RPC request against handler and returns
// its response. For MethodPrompt, it additionally returns the AgentEvent
// stream the caller must forward as session/update notifications (over
// stdio, SSE, or a WebSocket frame, depending on transport) — the
// response itself only acknowledges that the turn started, per spec.md
// §6.1/§6.2's request/stream split.
func dispatchRequest(ctx context.Context, handler Handler, req *Request) (*Response, <-chan *replyloop.AgentEvent) {
	switch req.Method {
	case MethodInitialize:
		info, err := handler.Initialize(ctx)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, err := newResult(req.ID, info)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		return resp, nil

	case MethodSessionNew:
		var params NewSessionParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
			}
		}
		sess, err := handler.NewSession(ctx, params)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, err := newResult(req.ID, sess)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		return resp, nil

	case MethodPrompt:
		var params struct {
			SessionID string `json:"session_id"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		events, err := handler.Prompt(ctx, params.SessionID, params.Text)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, _ := newResult(req.ID, map[string]any{"accepted": true})
		return resp, events

	case MethodPromptCancel:
		var params struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		if err := handler.CancelPrompt(ctx, params.SessionID); err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, _ := newResult(req.ID, map[string]any{"cancelled": true})
		return resp, nil

	case MethodToolApprove:
		var params ApproveParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		decision, err := parseDecision(params.Decision)
		if err != nil {
			return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		if err := handler.ApproveTool(ctx, params.RequestID, decision); err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, _ := newResult(req.ID, map[string]any{"approved": true})
		return resp, nil

	case MethodSessionList:
		sessions, err := handler.ListSessions(ctx, listOptionsFromParams(req.Params))
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, err := newResult(req.ID, sessions)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		return resp, nil

	case MethodSessionResume:
		var params struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		sess, msgs, err := handler.ResumeSession(ctx, params.SessionID)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, err := newResult(req.ID, map[string]any{"session": sess, "messages": msgs})
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		return resp, nil

	case MethodSessionFork:
		var params ForkParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		opts, err := forkOptionsFromParams(params)
		if err != nil {
			return newError(req.ID, ErrCodeInvalidParams, err.Error()), nil
		}
		childID, err := handler.ForkSession(ctx, params.SessionID, opts)
		if err != nil {
			return newError(req.ID, ErrCodeInternal, err.Error()), nil
		}
		resp, _ := newResult(req.ID, map[string]any{"session_id": childID})
		return resp, nil

	default:
		return newError(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method)), nil
	}
}
