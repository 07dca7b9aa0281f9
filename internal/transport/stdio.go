package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/anthropics/agentd/internal/replyloop"
)

// StdioServer serves the agent's JSON-RPC protocol over a pair of byte
// streams (normally stdin/stdout), one line per message. Grounded on
// internal/mcp/transport_stdio.go's bufio.Scanner read loop and
// mutex-guarded writer, adapted from the client role (issuing requests,
// matching responses by id) to the server role (receiving requests,
// producing responses and server-initiated notifications).
type StdioServer struct {
	handler Handler
	logger  *slog.Logger

	in  *bufio.Scanner
	out io.Writer

	writeMu sync.Mutex
}

func NewStdioServer(handler Handler, r io.Reader, w io.Writer, logger *slog.Logger) *StdioServer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{
		handler: handler,
		logger:  logger.With("component", "transport.stdio"),
		in:      scanner,
		out:     w,
	}
}

// Serve reads requests line by line until the reader is exhausted or ctx
// is cancelled, dispatching each to the handler and writing its response.
// Notifications (prompt/prompt-cancel push events, tool-confirmation
// pushes) are written by the goroutines Dispatch spawns for streaming
// methods, interleaved with responses on the same writer under writeMu.
func (s *StdioServer) Serve(ctx context.Context) error {
	for s.in.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := s.in.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)
		go s.handleLine(ctx, lineCopy)
	}
	return s.in.Err()
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(newError(nil, ErrCodeParseError, "parse error"))
		return
	}
	if req.IsNotification() {
		return
	}
	resp := s.dispatch(ctx, &req)
	s.writeResponse(resp)
}

// dispatch runs req against the shared dispatchRequest routing table and,
// for MethodPrompt, spawns the goroutine that turns the returned
// AgentEvent stream into session/update notifications.
func (s *StdioServer) dispatch(ctx context.Context, req *Request) *Response {
	resp, events := dispatchRequest(ctx, s.handler, req)
	if events != nil {
		var params struct {
			SessionID string `json:"session_id"`
		}
		json.Unmarshal(req.Params, &params)
		go s.streamEvents(params.SessionID, events)
	}
	return resp
}

// streamEvents forwards a Prompt call's AgentEvent stream as
// `session/update` notifications until the channel closes.
func (s *StdioServer) streamEvents(sessionID string, events <-chan *replyloop.AgentEvent) {
	for ev := range events {
		params, err := json.Marshal(agentEventPayload{SessionID: sessionID, Event: ev})
		if err != nil {
			s.logger.Warn("transport: marshal session/update failed", "error", err)
			continue
		}
		s.writeNotification(&Notification{JSONRPC: "2.0", Method: "session/update", Params: params})
	}
}

func (s *StdioServer) writeResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}

func (s *StdioServer) writeNotification(n *Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}
