package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/model"
	"github.com/FadwaTY/WasteWiseUI/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "wastewise:session:"
	healthKeyPrefix  = "wastewise:health:"
)

// RedisService 基于 Redis 的会话状态存储
type RedisService struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisService(cfg *config.RedisConfig) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisService{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load 读取会话状态，不存在时返回新的空状态。健康报告单独存放，这里合并进来
func (s *RedisService) Load(ctx context.Context, sessionID string) (*model.BatchState, error) {
	values, err := s.client.MGet(ctx, sessionKeyPrefix+sessionID, healthKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, err
	}

	state := model.NewBatchState(sessionID)
	if raw, ok := values[0].(string); ok {
		state, err = decodeState(sessionID, []byte(raw))
		if err != nil {
			utils.Logger.Error("failed to unmarshal session state",
				zap.String("session", sessionID), zap.Error(err))
			return nil, err
		}
	}
	if raw, ok := values[1].(string); ok {
		state.Health = decodeHealth(sessionID, []byte(raw))
	}
	return state, nil
}

// Save 写入会话状态并刷新过期时间，不覆盖健康报告
func (s *RedisService) Save(ctx context.Context, state *model.BatchState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+state.SessionID, data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, healthKeyPrefix+state.SessionID, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// SaveHealth 只写入健康报告，与批处理的状态写入互不影响
func (s *RedisService) SaveHealth(ctx context.Context, sessionID string, report *model.HealthReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, healthKeyPrefix+sessionID, data, s.ttl).Err()
}

func (s *RedisService) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+sessionID, healthKeyPrefix+sessionID).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

func encodeState(state *model.BatchState) ([]byte, error) {
	state.UpdatedAt = time.Now().Unix()
	snapshot := *state
	snapshot.Health = nil
	return json.Marshal(&snapshot)
}

func decodeState(sessionID string, data []byte) (*model.BatchState, error) {
	var state model.BatchState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	state.SessionID = sessionID
	if state.Results == nil {
		state.Results = []model.ImageResult{}
	}
	if state.Totals == nil {
		state.Totals = map[string]int{}
	}
	return &state, nil
}

// decodeHealth 报告损坏时视为未检查
func decodeHealth(sessionID string, data []byte) *model.HealthReport {
	var report model.HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		utils.Logger.Warn("failed to unmarshal health report",
			zap.String("session", sessionID), zap.Error(err))
		return nil
	}
	return &report
}
