// Package ws is the client transport: requesters connect over a websocket,
// send SUBMIT/CANCEL frames, and receive the coordination event stream.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelswarm.ai/internal/protocol"
	"voxelswarm.ai/internal/sim/bus"
	"voxelswarm.ai/internal/sim/engine"
)

type Server struct {
	eng *engine.Engine
	log *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	out chan []byte
}

// NewServer wires the event fan-out. Must be called before the engine loop
// starts: the bus tap registers here.
func NewServer(eng *engine.Engine, logger *log.Logger) (*Server, error) {
	s := &Server{
		eng:     eng,
		log:     logger,
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	if err := eng.Bus().Tap(s.fanOut); err != nil {
		return nil, err
	}
	return s, nil
}

// fanOut runs on the engine loop goroutine; it must never block. A slow
// client drops its oldest pending frame instead of stalling the tick.
func (s *Server) fanOut(ev bus.Event) {
	frame := protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Event:           wireEvent(ev),
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		sendLatest(c.out, b)
	}
}

func sendLatest(ch chan []byte, b []byte) {
	for {
		select {
		case ch <- b:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func wireEvent(ev bus.Event) protocol.Event {
	out := protocol.Event{
		"t":    ev.Tick,
		"type": string(ev.Kind),
	}
	if ev.AgentID != "" {
		out["agent_id"] = ev.AgentID
	}
	if ev.TaskID != "" {
		out["task_id"] = ev.TaskID
	}
	if ev.ActionID != "" {
		out["action_id"] = ev.ActionID
	}
	if ev.Resource != "" {
		out["resource"] = ev.Resource
	}
	if ev.ZoneID != "" {
		out["zone_id"] = ev.ZoneID
	}
	if ev.Code != "" {
		out["code"] = ev.Code
	}
	if ev.Reason != "" {
		out["reason"] = ev.Reason
	}
	return out
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := &client{out: make(chan []byte, 64)}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-c.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				sendLatest(c.out, errFrame(protocol.ErrProtoBadRequest, "malformed frame"))
				continue
			}
			switch base.Type {
			case protocol.TypeSubmit:
				s.handleSubmit(c, msg)
			case protocol.TypeCancel:
				s.handleCancel(c, msg)
			default:
				sendLatest(c.out, errFrame(protocol.ErrProtoBadRequest, "unknown message type"))
			}
		}
	}
}

func (s *Server) handleSubmit(c *client, raw []byte) {
	m, err := protocol.ValidateSubmit(raw)
	if err != nil {
		sendLatest(c.out, errFrameFromErr(err))
		return
	}
	if m.ProtocolVersion != protocol.Version {
		sendLatest(c.out, errFrame(protocol.ErrProtoBadRequest, "unsupported protocol_version"))
		return
	}
	taskID, err := s.eng.Submit(m.RequesterID, m.Text, m.Priority)
	if err != nil {
		sendLatest(c.out, errFrameFromErr(err))
		return
	}
	ok := protocol.SubmitOKMsg{
		Type:            protocol.TypeSubmitOK,
		ProtocolVersion: protocol.Version,
		TaskID:          taskID,
	}
	b, _ := json.Marshal(ok)
	sendLatest(c.out, b)
}

func (s *Server) handleCancel(c *client, raw []byte) {
	m, err := protocol.ValidateCancel(raw)
	if err != nil {
		sendLatest(c.out, errFrameFromErr(err))
		return
	}
	if !s.eng.Cancel(m.TaskID) {
		sendLatest(c.out, errFrame(protocol.ErrInvalidTarget, "unknown task "+m.TaskID))
	}
	// A found cancel is acknowledged by the resulting event stream.
}

// errFrameFromErr splits "E_CODE: message" errors coming from validation and
// the engine into a SUBMIT_ERR frame.
func errFrameFromErr(err error) []byte {
	code := protocol.ErrInternal
	msg := err.Error()
	if i := strings.Index(msg, ": "); i > 0 && protocol.IsKnownCode(msg[:i]) {
		code = msg[:i]
		msg = msg[i+2:]
	}
	return errFrame(code, msg)
}

func errFrame(code, msg string) []byte {
	b, _ := json.Marshal(protocol.SubmitErrMsg{
		Type:            protocol.TypeSubmitErr,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
	return b
}
