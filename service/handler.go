package service

import (
	"context"

	"pixelwar/auth"
	"pixelwar/hub"
	"pixelwar/pipeline"
)

// HandleMessage dispatches one decoded client message. Replies go to c
// only; committed pixels reach everybody through the hub.
func (s *Service) HandleMessage(ctx context.Context, c *hub.Client, msg hub.Inbound) {
	switch msg.Type {
	case hub.TypeUpdate:
		s.handleUpdate(ctx, c, msg)
	case hub.TypeSyncSession:
		s.handleSync(ctx, c, msg)
	case hub.TypePing:
		c.Send(hub.Outbound{Type: hub.TypePong})
	default:
		s.logger.Debug("unknown message type", "client", c.ID, "type", msg.Type)
		c.Error(auth.InvalidRequest, "unknown message type")
	}
}

func (s *Service) handleUpdate(ctx context.Context, c *hub.Client, msg hub.Inbound) {
	if msg.Data == nil {
		c.Error(auth.InvalidRequest, "missing pixel data")
		return
	}
	res, err := s.pipeline.Submit(ctx, pipeline.WriteRequest{
		X:          msg.Data.X,
		Y:          msg.Data.Y,
		Color:      msg.Data.Color,
		Identity:   c.Identity,
		Credential: msg.SessionKey,
	})
	if err != nil {
		c.Error(reasonOf(err), "")
		return
	}

	// a requester that left mid-write just loses these
	c.Send(hub.Outbound{Type: hub.TypeAck, Data: hub.PixelOf(res.Delta)})
	if res.PersistErr != nil {
		c.Send(hub.Outbound{
			Type:    hub.TypeWarning,
			Reason:  string(auth.PersistenceFailure),
			Message: auth.PersistenceFailure.Message(),
		})
	}
}

func (s *Service) handleSync(ctx context.Context, c *hub.Client, msg hub.Inbound) {
	g, err := s.validator.Sync(ctx, c.Identity, msg.SessionKey)
	if err != nil {
		s.logger.Info("session sync refused", "client", c.ID, "identity", c.Identity, "error", err)
		c.Error(reasonOf(err), "")
		return
	}
	remaining := g.Remaining
	s.logger.Info("session synced", "client", c.ID, "identity", c.Identity, "remaining", remaining)
	c.Send(hub.Outbound{
		Type:       hub.TypeSessionSynced,
		SessionKey: g.Credential,
		Remaining:  &remaining,
	})
}

func reasonOf(err error) auth.Reason {
	if r := auth.ReasonOf(err); r != "" {
		return r
	}
	return auth.LedgerUnreachable
}
