package session

import (
	"errors"

	"github.com/zhouzirui/tavern-stage/internal/service/playback"
)

var errNoAudience = errors.New("no browser is listening")

// browserPlayer is the playback.Player for SSE clients: the scheduler's
// started and stopped events are the play and stop commands, so Play only
// has to check that someone will receive them.
type browserPlayer struct {
	hub *Hub
}

func (p *browserPlayer) Play(playback.Clip) error {
	if p.hub.Subscribers() == 0 {
		return errNoAudience
	}
	return nil
}

func (p *browserPlayer) Stop() {}
