package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/markus-barta/tvfleet/internal/store"
)

// MemberResolver resolves a group to its member TVs.
type MemberResolver interface {
	GetTvsByGroupID(ctx context.Context, groupID string) ([]store.Tv, error)
}

// Producer is what a process owning the persistence layer calls after a
// mutation. Group pushes are resolved here, one tv event per member, so the
// socket server does not need to consult the store for them.
type Producer struct {
	pub     Publisher
	members MemberResolver
}

// NewProducer creates a producer. members may be nil if NotifyGroup is never
// used.
func NewProducer(pub Publisher, members MemberResolver) *Producer {
	return &Producer{pub: pub, members: members}
}

// NotifyTv asks one TV to refresh.
func (p *Producer) NotifyTv(ctx context.Context, tvID string) error {
	return p.pub.Publish(ctx, TvEvent(tvID))
}

// NotifyGroup enqueues one tv event per member of groupID. Every member is
// attempted; the returned error joins the individual failures. It returns the
// number of events enqueued.
func (p *Producer) NotifyGroup(ctx context.Context, groupID string) (int, error) {
	if p.members == nil {
		return 0, errors.New("notify group: no member resolver configured")
	}

	tvs, err := p.members.GetTvsByGroupID(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("resolve group %s: %w", groupID, err)
	}

	var errs []error
	sent := 0
	for _, tv := range tvs {
		if err := p.pub.Publish(ctx, TvEvent(tv.ID)); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// NotifyGroupRaw enqueues a single group event for the consumer to resolve.
func (p *Producer) NotifyGroupRaw(ctx context.Context, groupID string) error {
	return p.pub.Publish(ctx, GroupEvent(groupID))
}

// NotifyStatusChange reports a TV's online state to admin dashboards.
func (p *Producer) NotifyStatusChange(ctx context.Context, tvID string, online bool) error {
	return p.pub.Publish(ctx, StatusChangeEvent(tvID, online))
}

// NotifyAdmins asks every admin dashboard to refresh.
func (p *Producer) NotifyAdmins(ctx context.Context) error {
	return p.pub.Publish(ctx, AllAdminsEvent())
}
