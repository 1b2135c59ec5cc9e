package api

import (
	"context"

	"github.com/serroba/patchsync/internal/auth"
	"github.com/serroba/patchsync/internal/collab"
	"github.com/serroba/patchsync/internal/ws"
)

// callerFromContext builds the caller for a request that went through
// authMiddleware. client is nil for plain HTTP requests.
func callerFromContext(ctx context.Context, client *ws.Client) collab.Caller {
	id, _ := auth.FromContext(ctx)

	return collab.Caller{Identity: id, Client: client}
}
