package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/serroba/patchsync/internal/auth"
	"github.com/serroba/patchsync/internal/collab"
	"github.com/serroba/patchsync/internal/ws"
)

// handleWebSocket handles GET /ws. The connection is authenticated at the
// handshake; entities are attached by startInitialization.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	client, cleanup, err := s.setupWebSocketClient(w, r, identity)
	if err != nil {
		return
	}

	defer cleanup()

	s.handleMessages(r.Context(), callerFromContext(r.Context(), client))
}

// setupWebSocketClient upgrades the connection, registers the client and
// starts its write pump.
func (s *Server) setupWebSocketClient(
	w http.ResponseWriter, r *http.Request, identity auth.Identity,
) (*ws.Client, func(), error) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)

		return nil, nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	client := ws.NewClient(uuid.NewString(), identity.UserID, conn, s.queueSize)
	s.hub.Register(client)

	if identity.Admin {
		s.hub.Join(client, collab.AdminsRoom)
	}

	logger := s.logger.With("client_id", client.ID, "user_id", identity.UserID)
	logger.Info("client connected", "admin", identity.Admin)

	go func() {
		if err := client.WritePump(s.pingInterval); err != nil {
			logger.Debug("write pump stopped", "error", err)
		}
	}()

	cleanup := func() {
		s.hub.Unregister(client)
		client.Close()
		logger.Info("client disconnected")
	}

	return client, cleanup, nil
}

// handleMessages processes incoming messages one at a time, so the acks of
// a connection go out in the order its requests arrived.
func (s *Server) handleMessages(ctx context.Context, caller collab.Caller) {
	client := caller.Client

	for {
		msg, err := client.Receive()
		if err != nil {
			return
		}

		result, err := s.handleMessage(ctx, caller, msg)

		if werr := wireError(err); werr != nil {
			level := s.logger.Debug
			if werr.Kind == ws.KindInternal {
				level = s.logger.Error
			}

			level("request failed",
				"client_id", client.ID,
				"event", msg.Event,
				"kind", werr.Kind,
				"error", err,
			)
		}

		if msg.ID == 0 {
			continue
		}

		if err := client.SendAck(msg.ID, result, wireError(err)); err != nil {
			s.logger.Warn("failed to queue ack", "client_id", client.ID, "error", err)

			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, caller collab.Caller, msg ws.Message) (any, error) {
	switch msg.Event {
	case ws.EventSubmitChange:
		var p ws.SubmitChangePayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}

		revision, err := s.manager.Submit(ctx, caller, p.EntityID, p.Changes)
		if err != nil {
			return nil, err
		}

		return ws.RevisionResult{Revision: revision}, nil
	case ws.EventStartInitialization:
		count, err := s.manager.Initialize(ctx, caller)
		if err != nil {
			return nil, err
		}

		return ws.InitializationResult{Count: count}, nil
	case ws.EventCreateEntity:
		var p ws.CreateEntityPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}

		session, err := s.manager.CreateEntity(ctx, caller, p.EntityID, p.Kind, p.Content)
		if err != nil {
			return nil, err
		}

		return ws.CreateEntityResult{EntityID: session.EntityID(), Revision: session.Revision()}, nil
	case ws.EventDeleteEntity:
		var p ws.DeleteEntityPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}

		return nil, s.manager.DeleteEntity(ctx, caller, p.EntityID)
	default:
		return nil, fmt.Errorf("%w: unexpected event %q", ws.ErrInvalidMessage, msg.Event)
	}
}
