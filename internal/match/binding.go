package match

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/draftmate/draftmate-server/internal/session"
)

const (
	keyBinding = "match:player:" // playerKey -> matchID
	keyRoster  = "match:roster:" // matchID -> set of playerKeys
)

// BindingService is the single source of truth for which match a player is
// authorized to act on. The per-player binding is authoritative; the roster
// set is a derived index used only for bulk operations.
type BindingService struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewBindingService creates the ownership service. ttl should cover the
// worst-case match duration plus margin.
func NewBindingService(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *BindingService {
	return &BindingService{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// RegisterPlayerMatch binds a player to a match, last write wins. The
// binding is written before the roster so authorization is never granted
// off a roster entry alone.
func (s *BindingService) RegisterPlayerMatch(ctx context.Context, rawKey, matchID string) bool {
	playerKey := session.NormalizePlayerKey(rawKey)
	if playerKey == "" || matchID == "" {
		return false
	}

	// A rebind retires the old roster membership first so a player is
	// never listed on two rosters at once.
	prev, err := s.rdb.Get(ctx, keyBinding+playerKey).Result()
	if err == nil && prev != matchID {
		s.rdb.SRem(ctx, keyRoster+prev, playerKey)
	}

	if err := s.rdb.Set(ctx, keyBinding+playerKey, matchID, s.ttl).Err(); err != nil {
		s.logger.Error("write match binding",
			zap.String("player", playerKey),
			zap.String("match_id", matchID),
			zap.Error(err),
		)
		return false
	}
	if err := s.rdb.SAdd(ctx, keyRoster+matchID, playerKey).Err(); err != nil {
		s.logger.Error("add roster member",
			zap.String("player", playerKey),
			zap.String("match_id", matchID),
			zap.Error(err),
		)
		return false
	}
	s.rdb.Expire(ctx, keyRoster+matchID, s.ttl)

	s.logger.Info("player bound to match",
		zap.String("player", playerKey),
		zap.String("match_id", matchID),
	)
	return true
}

// ValidateOwnership reports whether the player is bound to exactly matchID.
// A missing binding and a mismatched one look identical to the caller; the
// mismatch is additionally logged as possible cross-match interference.
func (s *BindingService) ValidateOwnership(ctx context.Context, rawKey, matchID string) bool {
	playerKey := session.NormalizePlayerKey(rawKey)
	if playerKey == "" || matchID == "" {
		return false
	}

	bound, err := s.rdb.Get(ctx, keyBinding+playerKey).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.logger.Error("read match binding",
			zap.String("player", playerKey),
			zap.Error(err),
		)
		return false
	}
	if bound != matchID {
		s.logger.Warn("ownership mismatch",
			zap.String("player", playerKey),
			zap.String("expected_match", matchID),
			zap.String("actual_match", bound),
		)
		return false
	}
	return true
}

// GetCurrentMatch returns the match a player is bound to, if any.
func (s *BindingService) GetCurrentMatch(ctx context.Context, rawKey string) (string, bool) {
	playerKey := session.NormalizePlayerKey(rawKey)
	if playerKey == "" {
		return "", false
	}
	matchID, err := s.rdb.Get(ctx, keyBinding+playerKey).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		s.logger.Error("read match binding",
			zap.String("player", playerKey),
			zap.Error(err),
		)
		return "", false
	}
	return matchID, true
}

// GetMatchPlayers returns the roster of a match. Empty when the match is
// unknown or the store is unavailable.
func (s *BindingService) GetMatchPlayers(ctx context.Context, matchID string) []string {
	if matchID == "" {
		return nil
	}
	players, err := s.rdb.SMembers(ctx, keyRoster+matchID).Result()
	if err != nil {
		s.logger.Error("read match roster",
			zap.String("match_id", matchID),
			zap.Error(err),
		)
		return nil
	}
	return players
}

// ClearPlayerMatch removes a player's binding and their roster membership.
func (s *BindingService) ClearPlayerMatch(ctx context.Context, rawKey string) bool {
	playerKey := session.NormalizePlayerKey(rawKey)
	if playerKey == "" {
		return false
	}

	matchID, err := s.rdb.Get(ctx, keyBinding+playerKey).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.logger.Error("read match binding",
			zap.String("player", playerKey),
			zap.Error(err),
		)
		return false
	}

	s.rdb.Del(ctx, keyBinding+playerKey)
	s.rdb.SRem(ctx, keyRoster+matchID, playerKey)

	s.logger.Info("player unbound from match",
		zap.String("player", playerKey),
		zap.String("match_id", matchID),
	)
	return true
}

// ClearMatchPlayers tears down a whole match: every member's binding is
// removed, then the roster itself. Returns the number of players cleared.
func (s *BindingService) ClearMatchPlayers(ctx context.Context, matchID string) int {
	if matchID == "" {
		return 0
	}

	players, err := s.rdb.SMembers(ctx, keyRoster+matchID).Result()
	if err != nil {
		s.logger.Error("read match roster",
			zap.String("match_id", matchID),
			zap.Error(err),
		)
		return 0
	}

	cleared := 0
	for _, playerKey := range players {
		// Only clear bindings that still point at this match; a player who
		// already moved on keeps their newer binding.
		bound, err := s.rdb.Get(ctx, keyBinding+playerKey).Result()
		if err == nil && bound == matchID {
			s.rdb.Del(ctx, keyBinding+playerKey)
			cleared++
		}
	}
	s.rdb.Del(ctx, keyRoster+matchID)

	s.logger.Info("match torn down",
		zap.String("match_id", matchID),
		zap.Int("players_cleared", cleared),
	)
	return cleared
}
