package registry

// Roster mutations arrive from the follow/unfollow and subscribe/unsubscribe
// controllers after the durable commit, independent of whether a session is
// live. Each mutation updates the streamer-level set and propagates the new
// size into every registry session owned by that streamer. In practice at
// most one session matches (the active one), but the scan is deliberate: the
// registry re-derives from its own maps instead of trusting uniqueness.

// AddFollower records a follower and returns the streamer's new follower
// count. The update is dropped (ok=false) when the registry has never seen
// the streamer; the durable store already holds the truth and the next
// session creation snapshots it.
func (r *Registry) AddFollower(streamerID, userID string) (int, bool) {
	return r.mutateRoster(streamerID, userID, rosterFollowers, true)
}

// RemoveFollower removes a follower and returns the new count.
func (r *Registry) RemoveFollower(streamerID, userID string) (int, bool) {
	return r.mutateRoster(streamerID, userID, rosterFollowers, false)
}

// AddSubscriber records a subscriber and returns the new subscriber count.
func (r *Registry) AddSubscriber(streamerID, userID string) (int, bool) {
	return r.mutateRoster(streamerID, userID, rosterSubscribers, true)
}

// RemoveSubscriber removes a subscriber and returns the new count.
func (r *Registry) RemoveSubscriber(streamerID, userID string) (int, bool) {
	return r.mutateRoster(streamerID, userID, rosterSubscribers, false)
}

// SubscriberIDs lists the streamer's current subscribers, used by the
// stream-start controller to fan out new-stream notices.
func (r *Registry) SubscriberIDs(streamerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.streamers[streamerID]
	if !ok {
		return nil
	}
	return memberList(profile.subscribers)
}

type rosterKind int

const (
	rosterFollowers rosterKind = iota
	rosterSubscribers
)

func (r *Registry) mutateRoster(streamerID, userID string, kind rosterKind, add bool) (int, bool) {
	if streamerID == "" || userID == "" {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.streamers[streamerID]
	if !ok {
		return 0, false
	}
	members := profile.followers
	if kind == rosterSubscribers {
		members = profile.subscribers
	}
	if add {
		members[userID] = struct{}{}
	} else {
		delete(members, userID)
	}
	count := len(members)

	now := r.clock()
	for _, st := range r.sessions {
		if st.streamerID != streamerID {
			continue
		}
		if kind == rosterFollowers {
			st.followerCount = count
			st.followerHistory.sample(now, count)
		} else {
			st.subscriberCount = count
			st.subscriberHistory.sample(now, count)
		}
	}
	return count, true
}
