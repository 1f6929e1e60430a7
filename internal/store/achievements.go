package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/stepped/internal/ir"
)

// AchievementExists reports whether checksumKey was last accomplished with
// exactly checksum. An empty checksum never matches.
func (s *Store) AchievementExists(ctx context.Context, checksumKey, checksum string) (bool, error) {
	if checksum == "" {
		return false, nil
	}
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM achievements WHERE checksum_key = ? AND checksum = ?
	`, checksumKey, checksum).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check achievement %q: %w", checksumKey, err)
	}
	return n > 0, nil
}

// GrantAchievement records checksum as accomplished for checksumKey,
// replacing any previous value.
func (s *Store) GrantAchievement(ctx context.Context, checksumKey, checksum string) error {
	if checksumKey == "" || checksum == "" {
		return fmt.Errorf("grant achievement: checksum key and checksum are both required")
	}
	now := s.Now()
	_, err := s.exec(ctx, `
		INSERT INTO achievements (checksum_key, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (checksum_key) DO UPDATE SET checksum = excluded.checksum, updated_at = excluded.updated_at
	`, checksumKey, checksum, now, now)
	if err != nil {
		return fmt.Errorf("grant achievement %q: %w", checksumKey, err)
	}
	return nil
}

// EraseAchievement deletes any achievement for checksumKey.
func (s *Store) EraseAchievement(ctx context.Context, checksumKey string) error {
	if _, err := s.exec(ctx, `DELETE FROM achievements WHERE checksum_key = ?`, checksumKey); err != nil {
		return fmt.Errorf("erase achievement %q: %w", checksumKey, err)
	}
	return nil
}

// FindAchievement returns the achievement for checksumKey, or nil.
func (s *Store) FindAchievement(ctx context.Context, checksumKey string) (*ir.Achievement, error) {
	var a ir.Achievement
	err := s.queryRow(ctx, `
		SELECT id, checksum_key, checksum, created_at, updated_at FROM achievements WHERE checksum_key = ?
	`, checksumKey).Scan(&a.ID, &a.ChecksumKey, &a.Checksum, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find achievement %q: %w", checksumKey, err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// CountAchievements returns the number of stored achievements.
func (s *Store) CountAchievements(ctx context.Context) (int, error) {
	return s.count(ctx, "achievements")
}
