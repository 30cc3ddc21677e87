package logger

import (
	"time"

	"go.uber.org/zap"
)

// ItemID is a queue item id.
func ItemID(v int64) zap.Field {
	return zap.Int64("item_id", v)
}

// Entity is an entity key, "type/id".
func Entity(key string) zap.Field {
	return zap.String("entity", key)
}

// Trigger is the reason a drain started.
func Trigger(v string) zap.Field {
	return zap.String("trigger", v)
}

// Component names the subsystem writing the entry.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Duration is an elapsed time.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}
