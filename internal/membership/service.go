// Package membership keeps a Redis-backed roster of the replicas in a group.
// Each replica heartbeats its address and root fingerprint under a TTL'd key
// and announces changes on the group channel.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/cellsync/internal/types"
)

const (
	defaultTTL    = 45 * time.Second
	keyPrefix     = "members:"
	scanBatchSize = 100
)

// Member is one replica's advertisement.
type Member struct {
	ID          types.ReplicaID `json:"id"`
	Addr        string          `json:"addr"`
	Fingerprint uint32          `json:"fingerprint"`
	Entries     int             `json:"entries"`
	SeenAt      time.Time       `json:"seen_at"`
	Left        bool            `json:"left,omitempty"`
}

// Service tracks the replica roster in Redis.
type Service struct {
	client *redis.Client
	group  string
	self   types.ReplicaID
	logger zerolog.Logger
	ttl    time.Duration

	mu     sync.RWMutex
	roster map[types.ReplicaID]Member
}

// NewService constructs a roster for the group as seen by replica self.
func NewService(client *redis.Client, group string, self types.ReplicaID, logger zerolog.Logger) *Service {
	return &Service{
		client: client,
		group:  group,
		self:   self,
		logger: logger.With().Str("component", "membership").Logger(),
		ttl:    defaultTTL,
		roster: make(map[types.ReplicaID]Member),
	}
}

// Start heartbeats the advertisement returned by self and follows roster
// updates published by the other replicas.
func (s *Service) Start(ctx context.Context, self func() Member) {
	go s.subscribe(ctx)
	go s.heartbeatLoop(ctx, self)
}

func (s *Service) heartbeatLoop(ctx context.Context, self func() Member) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()

	announce := func() {
		if err := s.Announce(ctx, self()); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("failed to announce replica")
		}
	}
	announce()
	for {
		select {
		case <-ticker.C:
			announce()
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.Leave(leaveCtx)
			cancel()
			return
		}
	}
}

// Announce persists an advertisement under the TTL and notifies peers.
func (s *Service) Announce(ctx context.Context, m Member) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	if m.ID == "" {
		return errors.New("member id is required")
	}
	if m.SeenAt.IsZero() {
		m.SeenAt = time.Now().UTC()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	if err := s.client.Set(ctx, s.memberKey(m.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache member: %w", err)
	}
	s.recordLocal(m)
	return s.client.Publish(ctx, s.channel(), payload).Err()
}

// Leave removes this replica from the roster.
func (s *Service) Leave(ctx context.Context) {
	if s.client == nil {
		return
	}
	key := s.memberKey(s.self)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete member key")
	}
	removal := Member{ID: s.self, Left: true, SeenAt: time.Now().UTC()}
	s.recordLocal(removal)
	if payload, err := json.Marshal(removal); err == nil {
		if err := s.client.Publish(ctx, s.channel(), payload).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish member removal")
		}
	}
}

// Members loads every live advertisement of the group from Redis.
func (s *Service) Members(ctx context.Context) ([]Member, error) {
	if s.client == nil {
		return s.Peers(), nil
	}
	iter := s.client.Scan(ctx, 0, s.memberKey("*"), scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan member keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch member values: %w", err)
	}

	members := make([]Member, 0, len(values))
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		m, err := decodeMember(strVal)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode member value")
			continue
		}
		members = append(members, m)
		s.recordLocal(m)
	}
	sortMembers(members)
	return members, nil
}

// Peers returns the cached roster without this replica, dropping entries
// whose heartbeat is older than the TTL.
func (s *Service) Peers() []Member {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.roster))
	for id, m := range s.roster {
		if id == s.self || m.SeenAt.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}
	sortMembers(out)
	return out
}

func (s *Service) subscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	pubsub := s.client.Subscribe(ctx, s.channel())
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m, err := decodeMember(msg.Payload)
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode member broadcast")
				continue
			}
			s.recordLocal(m)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) recordLocal(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Left {
		delete(s.roster, m.ID)
		return
	}
	if current, ok := s.roster[m.ID]; ok && current.SeenAt.After(m.SeenAt) {
		return
	}
	s.roster[m.ID] = m
}

func (s *Service) memberKey(id types.ReplicaID) string {
	return fmt.Sprintf("%s%s:replica:%s", keyPrefix, s.group, id)
}

func (s *Service) channel() string {
	return keyPrefix + s.group
}

func decodeMember(payload string) (Member, error) {
	var m Member
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Member{}, err
	}
	if m.ID == "" {
		return Member{}, errors.New("member without id")
	}
	return m, nil
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
}
