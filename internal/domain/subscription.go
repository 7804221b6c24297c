package domain

// Subscription is the aggregate root installed by subscribe_polling: the
// tag-descriptor map, the per-tag change-config (folded into TagDescriptor),
// and the group map. Only one Subscription is live at a time; installing a
// new one first tears down the previous (spec §3, §4.4).
type Subscription struct {
	Tags   map[int64]*TagDescriptor
	Groups map[int64]*PollGroup
}

// NewSubscription returns an empty, installable Subscription.
func NewSubscription() *Subscription {
	return &Subscription{
		Tags:   make(map[int64]*TagDescriptor),
		Groups: make(map[int64]*PollGroup),
	}
}

// TagsForGroup returns the descriptors belonging to group, in group order.
func (s *Subscription) TagsForGroup(groupID int64) []*TagDescriptor {
	g, ok := s.Groups[groupID]
	if !ok {
		return nil
	}
	out := make([]*TagDescriptor, 0, len(g.TagIDs))
	for _, id := range g.TagIDs {
		if td, ok := s.Tags[id]; ok {
			out = append(out, td)
		}
	}
	return out
}
