package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"

	"github.com/jengzang/records-timeline/internal/models"
)

// TimelineConfigRepository resolves per-user timeline configs: the user's
// stored overrides applied on top of the application defaults
type TimelineConfigRepository struct {
	db       *sql.DB
	defaults []byte // JSON of the default config
	cache    *freecache.Cache
	ttl      int
	now      func() time.Time
}

// NewTimelineConfigRepository creates a config repository.
// cacheMB == 0 disables caching.
func NewTimelineConfigRepository(db *sql.DB, defaults models.TimelineConfig, cacheMB int, ttl time.Duration) (*TimelineConfigRepository, error) {
	raw, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default timeline config: %w", err)
	}

	r := &TimelineConfigRepository{
		db:       db,
		defaults: raw,
		ttl:      max(int(ttl.Seconds()), 0),
		now:      time.Now,
	}
	if cacheMB > 0 {
		r.cache = freecache.NewCache(cacheMB * 1024 * 1024)
	}
	return r, nil
}

func cacheKey(userID int64) []byte {
	return []byte("timeline_config:" + strconv.FormatInt(userID, 10))
}

// Get returns the effective config for a user. Each call returns a fresh value.
func (r *TimelineConfigRepository) Get(ctx context.Context, userID int64) (*models.TimelineConfig, error) {
	if r.cache != nil {
		if raw, err := r.cache.Get(cacheKey(userID)); err == nil {
			cfg := &models.TimelineConfig{}
			if err := json.Unmarshal(raw, cfg); err == nil {
				return cfg, nil
			}
		}
	}

	cfg := &models.TimelineConfig{}
	if err := json.Unmarshal(r.defaults, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode default timeline config: %w", err)
	}

	var overrides string
	err := r.db.QueryRowContext(ctx, `SELECT config_json FROM timeline_configs WHERE user_id = ?`, userID).Scan(&overrides)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get timeline config: %w", err)
	default:
		// Keys present in the override replace the default; an explicit null disables a threshold
		if err := json.Unmarshal([]byte(overrides), cfg); err != nil {
			return nil, fmt.Errorf("failed to decode timeline config for user %d: %w", userID, err)
		}
	}

	if r.cache != nil {
		if raw, err := json.Marshal(cfg); err == nil {
			_ = r.cache.Set(cacheKey(userID), raw, r.ttl)
		}
	}
	return cfg, nil
}

// Save stores overrides for a user. overrides is a JSON object of
// TimelineConfig fields; absent fields keep the defaults.
func (r *TimelineConfigRepository) Save(ctx context.Context, userID int64, overrides []byte) error {
	probe := &models.TimelineConfig{}
	if err := json.Unmarshal(overrides, probe); err != nil {
		return fmt.Errorf("invalid timeline config: %w", err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO timeline_configs (user_id, config_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at
	`, userID, string(overrides), r.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save timeline config: %w", err)
	}

	r.invalidate(userID)
	return nil
}

// Delete removes the user's overrides so the defaults apply again
func (r *TimelineConfigRepository) Delete(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM timeline_configs WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete timeline config: %w", err)
	}
	r.invalidate(userID)
	return nil
}

func (r *TimelineConfigRepository) invalidate(userID int64) {
	if r.cache != nil {
		r.cache.Del(cacheKey(userID))
	}
}
