package sync

import (
	"fmt"
	"time"

	"github.com/iudanet/fieldsync/internal/models"
)

// ConflictPolicy decides which resolution is preselected on a surfaced conflict.
// The case still waits for an explicit decision unless Config.AutoResolve is set.
type ConflictPolicy string

const (
	// PolicyKeepRemote suggests keeping the server record.
	PolicyKeepRemote ConflictPolicy = "keep_remote"
	// PolicyManual suggests nothing; every resolution is chosen by the user.
	PolicyManual ConflictPolicy = "manual"
)

// Suggestion returns the resolution preselected on new conflicts, empty for none.
func (p ConflictPolicy) Suggestion() models.Resolution {
	if p == PolicyKeepRemote {
		return models.ResolutionKeepRemote
	}
	return ""
}

// Config настройки движка синхронизации.
type Config struct {
	Collaborative      map[string][]string // тип сущности -> совместно редактируемые текстовые поля
	Policy             ConflictPolicy      // политика разрешения конфликтов
	AutoResolve        bool                // применять предложенное решение сразу, без участия пользователя
	Workers            int                 // число одновременных отправок
	BatchSize          int                 // сколько намерений забирается из outbox за раунд
	MaxAttempts        int                 // после стольких неудачных попыток намерение уходит в dead-letter
	JitterPercent      int                 // разброс задержки повтора, в процентах
	PullLimit          int                 // размер страницы pull
	PushTimeout        time.Duration       // таймаут одной отправки
	BackoffBase        time.Duration       // начальная задержка повтора
	BackoffMax         time.Duration       // верхняя граница задержки повтора
	Interval           time.Duration       // период фоновой синхронизации
	TombstoneRetention time.Duration       // сколько хранить подтвержденные tombstone, 0 = всегда
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Policy:             PolicyKeepRemote,
		Workers:            4,
		BatchSize:          32,
		MaxAttempts:        5,
		JitterPercent:      20,
		PullLimit:          100,
		PushTimeout:        30 * time.Second,
		BackoffBase:        time.Second,
		BackoffMax:         5 * time.Minute,
		Interval:           5 * time.Minute,
		TombstoneRetention: 30 * 24 * time.Hour,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.JitterPercent < 0 {
		c.JitterPercent = 0
	}
	if c.PullLimit <= 0 {
		c.PullLimit = def.PullLimit
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = def.PushTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	return c
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Policy {
	case "", PolicyKeepRemote, PolicyManual:
	default:
		return fmt.Errorf("unknown conflict policy %q", c.Policy)
	}
	if c.AutoResolve && c.Policy == PolicyManual {
		return fmt.Errorf("auto resolve requires a policy that suggests a resolution")
	}
	if c.JitterPercent > 100 {
		return fmt.Errorf("jitter percent must be within 0..100, got %d", c.JitterPercent)
	}
	for entityType, fields := range c.Collaborative {
		if entityType == "" {
			return fmt.Errorf("collaborative fields configured for empty entity type")
		}
		for _, field := range fields {
			if field == "" {
				return fmt.Errorf("empty collaborative field name for %s", entityType)
			}
		}
	}
	return nil
}
