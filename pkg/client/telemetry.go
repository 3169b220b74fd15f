package client

import (
	"context"
	"log/slog"

	"github.com/rafaeljc/flagsync/pkg/events"
	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/goals"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/sdkerrors"
)

// sendIdentifyEvent is the identity change sink.
func (c *Client) sendIdentifyEvent(u *identity.User) {
	c.events.Enqueue(events.Event{
		Kind: events.KindIdentify,
		Key:  u.Key,
		User: u,
	})
}

// sendFlagEvent turns flag store evaluations into feature events.
func (c *Client) sendFlagEvent(e flags.Evaluation) {
	ev := events.Event{
		Kind:         events.KindFeature,
		Key:          e.Key,
		User:         c.identity.User(),
		Value:        e.Value,
		CreationDate: events.Timestamp(e.Time),
	}
	if e.HasDefault {
		ev.Default = e.Default
	}
	c.events.Enqueue(ev)
}

func (c *Client) sendGoalEvent(kind string, goal goals.Goal) {
	ev := events.Event{
		Kind: kind,
		Key:  goal.Key,
		URL:  c.currentURL(),
		User: c.identity.User(),
	}
	if kind == goals.KindClick {
		ev.Selector = goal.Selector
	}
	c.events.Enqueue(ev)
}

// loadGoals fetches the goal list and, when it is not empty, starts the
// tracker and re-arms it on every client-side navigation.
func (c *Client) loadGoals(ctx context.Context) {
	list, err := c.requestor.FetchGoals(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.bus.ReportError(sdkerrors.Wrap(sdkerrors.ErrUnexpectedResponse, "error fetching goals", err))
		}
		return
	}
	if len(list) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.goalList = list
	c.mu.Unlock()
	c.log.Debug("goals loaded", slog.Int("count", len(list)))

	c.refreshGoalTracker()

	if c.plat.Document == nil {
		return
	}
	stop := c.plat.Document.OnNavigate(c.refreshGoalTracker)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return
	}
	previous := c.stopNavigate
	c.stopNavigate = stop
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// refreshGoalTracker replaces the tracker with one evaluated against the
// current page.
func (c *Client) refreshGoalTracker() {
	c.mu.Lock()
	list := c.goalList
	closed := c.closed
	c.mu.Unlock()
	if closed || len(list) == 0 {
		return
	}

	t := goals.NewTracker(list, c.plat.Document, c.sendGoalEvent, c.log)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Dispose()
		return
	}
	previous := c.tracker
	c.tracker = t
	c.mu.Unlock()

	if previous != nil {
		previous.Dispose()
	}
}
