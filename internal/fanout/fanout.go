// Package fanout implements the realtime fan-out actor: a single task that
// owns the live set of connected subscribers and routes Control events to
// them by policy, backed by ACL/presence caches reloaded from the
// persistence collaborator on invalidation (spec §4.I).
package fanout

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"voxrelay/internal/metrics"
	"voxrelay/internal/recording"
	"voxrelay/store"
)

// errInboxFull is returned by StartRecording when the fan-out's command
// inbox is saturated and the request could not even be queued.
var errInboxFull = errors.New("fanout: inbox full")

// outboundQueueCapacity is the fan-out-to-subscriber queue depth (spec §5).
const outboundQueueCapacity = 10000

// inboxCapacity is the fan-out's own command inbox depth (spec §5).
const inboxCapacity = 1000

// tokenCheckInterval is how often every live session's token is
// revalidated against the persistence collaborator (spec §4.I).
const tokenCheckInterval = 5 * time.Second

// rightsCacheTTL bounds how stale the GroupRights/ChannelRights cache may
// get between explicit InvalidateAcl commands.
const rightsCacheTTL = 5 * time.Minute

// Subscriber is one live connection registered with the fan-out.
type Subscriber struct {
	UserID       int64
	SessionID    string
	SessionToken string
	Identifier   string
	Outbound     chan<- []byte
}

// Policy selects which subscribers a Control event is delivered to.
type Policy interface {
	admits(f *Fanout, sub Subscriber) bool
}

// Broadcast admits every subscriber.
type Broadcast struct{}

func (Broadcast) admits(*Fanout, Subscriber) bool { return true }

// User admits subscribers belonging to one user.
type User struct{ UserID int64 }

func (p User) admits(_ *Fanout, sub Subscriber) bool { return sub.UserID == p.UserID }

// Users admits subscribers belonging to any of a set of users.
type Users struct{ UserIDs []int64 }

func (p Users) admits(_ *Fanout, sub Subscriber) bool {
	for _, id := range p.UserIDs {
		if sub.UserID == id {
			return true
		}
	}
	return false
}

// Role admits subscribers whose cached user role matches.
type Role struct{ RoleID int64 }

func (p Role) admits(f *Fanout, sub Subscriber) bool {
	role, ok := f.userRole[sub.UserID]
	return ok && role == p.RoleID
}

// GroupRights admits subscribers whose cached (role, group) rights meet min.
type GroupRights struct {
	GroupID int64
	Min     int64
}

func (p GroupRights) admits(f *Fanout, sub Subscriber) bool {
	role, ok := f.userRole[sub.UserID]
	if !ok {
		return false
	}
	return f.rights(role, p.GroupID) >= p.Min
}

// ChannelRights admits subscribers whose rights over the channel's owning
// group meet min.
type ChannelRights struct {
	ChannelID int64
	Min       int64
}

func (p ChannelRights) admits(f *Fanout, sub Subscriber) bool {
	groupID, ok := f.channelGroup[p.ChannelID]
	if !ok {
		return false
	}
	return GroupRights{GroupID: groupID, Min: p.Min}.admits(f, sub)
}

type connectCmd struct {
	sub     Subscriber
	channel int64
}

type timeoutCmd struct {
	userID     int64
	identifier string
}

type disconnectCmd struct {
	userID int64
	token  string
}

type disconnectUserCmd struct{ userID int64 }

type controlCmd struct {
	event  []byte
	policy Policy
}

type voiceCmd struct {
	channelID int64
	data      []byte
	policy    Policy
}

type startRecordingCmd struct {
	channelID int64
	startedBy string
	dir       string
	done      chan<- error
}

type stopRecordingCmd struct{ channelID int64 }

type invalidateVoipCmd struct{}
type invalidateAclCmd struct{}
type invalidateUsersCmd struct{}

// Fanout is the single-task actor owning every live subscriber and the
// cache snapshots routing policies are evaluated against. All fields below
// this point are touched only from the Run goroutine.
type Fanout struct {
	store   *store.Store
	logger  *zap.Logger
	metrics *metrics.Registry
	inbox   chan any

	subscribers  []Subscriber
	userRole     map[int64]int64
	channelGroup map[int64]int64
	rightsCache  *cache.Cache
	recorders    map[int64]*recording.Recorder
}

// New constructs a Fanout bound to a persistence collaborator. Call Run to
// start its event loop. reg may be nil to disable metrics instrumentation.
func New(st *store.Store, logger *zap.Logger, reg *metrics.Registry) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		store:        st,
		logger:       logger,
		metrics:      reg,
		inbox:        make(chan any, inboxCapacity),
		userRole:     make(map[int64]int64),
		channelGroup: make(map[int64]int64),
		rightsCache:  cache.New(rightsCacheTTL, rightsCacheTTL),
		recorders:    make(map[int64]*recording.Recorder),
	}
}

func (f *Fanout) reportSubscriberCount() {
	if f.metrics != nil {
		f.metrics.FanoutSubscribers.Set(float64(len(f.subscribers)))
	}
}

// Connect registers a new subscriber, marking the user online and clearing
// stale voip presence left over from an ungraceful prior exit.
func (f *Fanout) Connect(sub Subscriber, channelID int64) { f.send(connectCmd{sub, channelID}) }

// Timeout removes a subscriber by identifier (liveness expiry).
func (f *Fanout) Timeout(userID int64, identifier string) {
	f.send(timeoutCmd{userID, identifier})
}

// Disconnect closes and removes the subscriber matching userID+token.
func (f *Fanout) Disconnect(userID int64, token string) { f.send(disconnectCmd{userID, token}) }

// DisconnectUser closes and removes every subscriber for userID.
func (f *Fanout) DisconnectUser(userID int64) { f.send(disconnectUserCmd{userID}) }

// Control evaluates policy against every subscriber's cached snapshot and
// enqueues event to each admitted one.
func (f *Fanout) Control(event []byte, policy Policy) { f.send(controlCmd{event, policy}) }

// Voice routes a voice frame to policy's admitted subscribers and, if
// channelID has an active recording, feeds it there too.
func (f *Fanout) Voice(channelID int64, data []byte, policy Policy) {
	f.send(voiceCmd{channelID, data, policy})
}

// StartRecording begins capturing channelID's voice frames to dir, blocking
// until the recorder is created (or fails) so callers can report the
// outcome synchronously.
func (f *Fanout) StartRecording(channelID int64, startedBy, dir string) error {
	done := make(chan error, 1)
	if !f.send(startRecordingCmd{channelID, startedBy, dir, done}) {
		return errInboxFull
	}
	return <-done
}

// StopRecording ends any active recording for channelID.
func (f *Fanout) StopRecording(channelID int64) { f.send(stopRecordingCmd{channelID}) }

// InvalidateVoip is accepted for symmetry with the other Invalidate*
// commands. The fan-out keeps no voip presence snapshot (presence is read
// from the store on demand), so the command changes no state.
func (f *Fanout) InvalidateVoip() { f.send(invalidateVoipCmd{}) }

// InvalidateAcl reloads the group-rights and channel-group snapshots.
func (f *Fanout) InvalidateAcl() { f.send(invalidateAclCmd{}) }

// InvalidateUsers reloads the per-user role snapshot.
func (f *Fanout) InvalidateUsers() { f.send(invalidateUsersCmd{}) }

func (f *Fanout) send(cmd any) bool {
	select {
	case f.inbox <- cmd:
		return true
	default:
		f.logger.Warn("fanout: inbox full, dropping command")
		return false
	}
}

// Run is the fan-out's event loop. It owns subscribers and caches
// exclusively and never shares them, so it needs no locking (spec §5).
func (f *Fanout) Run(ctx context.Context) {
	if err := f.reloadAcl(); err != nil {
		f.logger.Warn("fanout: initial acl load failed", zap.Error(err))
	}

	ticker := time.NewTicker(tokenCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, rec := range f.recorders {
				rec.Stop()
			}
			return
		case <-ticker.C:
			f.checkSessionTokens()
		case cmd := <-f.inbox:
			f.handle(cmd)
		}
	}
}

func (f *Fanout) handle(cmd any) {
	switch c := cmd.(type) {
	case connectCmd:
		f.handleConnect(c)
	case timeoutCmd:
		f.removeByIdentifier(c.userID, c.identifier)
	case disconnectCmd:
		f.handleDisconnect(c.userID, func(s Subscriber) bool { return s.SessionToken == c.token })
	case disconnectUserCmd:
		f.handleDisconnect(c.userID, func(Subscriber) bool { return true })
	case controlCmd:
		f.route(c.event, c.policy)
	case voiceCmd:
		f.route(c.data, c.policy)
		if rec, ok := f.recorders[c.channelID]; ok {
			rec.FeedFrame(c.data)
		}
	case startRecordingCmd:
		f.handleStartRecording(c)
	case stopRecordingCmd:
		if rec, ok := f.recorders[c.channelID]; ok {
			rec.Stop()
			delete(f.recorders, c.channelID)
		}
	case invalidateVoipCmd:
		// Presence is read on demand from the store; nothing cached locally
		// beyond what reloadAcl refreshes.
	case invalidateAclCmd:
		if err := f.reloadAcl(); err != nil {
			f.logger.Warn("fanout: acl reload failed", zap.Error(err))
		}
	case invalidateUsersCmd:
		if err := f.reloadUserRoles(); err != nil {
			f.logger.Warn("fanout: user role reload failed", zap.Error(err))
		}
	}
}

func (f *Fanout) handleStartRecording(c startRecordingCmd) {
	if _, exists := f.recorders[c.channelID]; exists {
		c.done <- nil
		return
	}
	rec, err := recording.Start(c.channelID, c.startedBy, c.dir, f.logger, func() {
		f.StopRecording(c.channelID)
	})
	if err != nil {
		c.done <- err
		return
	}
	f.recorders[c.channelID] = rec
	c.done <- nil
}

func (f *Fanout) handleConnect(c connectCmd) {
	if err := f.store.ClearVoipParticipant(c.sub.UserID); err != nil {
		f.logger.Warn("fanout: clear stale voip presence", zap.Error(err))
	}
	if role, err := f.store.UserRoleByID(c.sub.UserID); err == nil {
		f.userRole[c.sub.UserID] = role
	}
	if err := f.store.SetUserStatus(c.sub.UserID, store.UserStatusOnline); err != nil {
		f.logger.Warn("fanout: mark user online", zap.Error(err))
	}
	f.subscribers = append(f.subscribers, c.sub)
	f.reportSubscriberCount()
}

func (f *Fanout) removeByIdentifier(userID int64, identifier string) {
	f.handleDisconnect(userID, func(s Subscriber) bool { return s.Identifier == identifier })
}

// handleDisconnect removes every subscriber for userID matching match,
// marking the user offline once it was their last live subscriber.
func (f *Fanout) handleDisconnect(userID int64, match func(Subscriber) bool) {
	kept := f.subscribers[:0]
	removedAny := false
	for _, sub := range f.subscribers {
		if sub.UserID == userID && match(sub) {
			close(sub.Outbound)
			removedAny = true
			continue
		}
		kept = append(kept, sub)
	}
	f.subscribers = kept
	if !removedAny {
		return
	}
	f.reportSubscriberCount()
	if !f.hasSubscriber(userID) {
		if err := f.store.ClearVoipParticipant(userID); err != nil {
			f.logger.Warn("fanout: clear voip presence on offline", zap.Error(err))
		}
		if err := f.store.SetUserStatus(userID, store.UserStatusOffline); err != nil {
			f.logger.Warn("fanout: mark user offline", zap.Error(err))
		}
	}
}

func (f *Fanout) hasSubscriber(userID int64) bool {
	for _, sub := range f.subscribers {
		if sub.UserID == userID {
			return true
		}
	}
	return false
}

func (f *Fanout) route(event []byte, policy Policy) {
	for _, sub := range f.subscribers {
		if !policy.admits(f, sub) {
			continue
		}
		select {
		case sub.Outbound <- event:
		default:
			f.logger.Warn("fanout: subscriber outbound full, dropping event",
				zap.Int64("user_id", sub.UserID))
		}
	}
}

func (f *Fanout) checkSessionTokens() {
	for _, sub := range append([]Subscriber(nil), f.subscribers...) {
		if _, err := f.store.ValidateSession(sub.SessionToken); err != nil {
			f.Disconnect(sub.UserID, sub.SessionToken)
		}
	}
}

func (f *Fanout) reloadAcl() error {
	rights, err := f.store.AllGroupRights()
	if err != nil {
		return err
	}
	f.rightsCache.Flush()
	for _, r := range rights {
		f.rightsCache.Set(rightsKey(r.RoleID, r.GroupID), r.Rights, cache.DefaultExpiration)
	}

	groups, err := f.store.ChannelGroups()
	if err != nil {
		return err
	}
	f.channelGroup = groups
	return f.reloadUserRoles()
}

func (f *Fanout) reloadUserRoles() error {
	roles := make(map[int64]int64, len(f.userRole))
	for userID := range f.userRole {
		role, err := f.store.UserRoleByID(userID)
		if err != nil {
			continue
		}
		roles[userID] = role
	}
	f.userRole = roles
	return nil
}

func (f *Fanout) rights(roleID, groupID int64) int64 {
	v, ok := f.rightsCache.Get(rightsKey(roleID, groupID))
	if !ok {
		return 0
	}
	return v.(int64)
}

func rightsKey(roleID, groupID int64) string {
	return strconv.FormatInt(roleID, 10) + ":" + strconv.FormatInt(groupID, 10)
}
