package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"slidecache/internal/cache"
)

const (
	forecastKey = "WF_List"
	reasonKey   = "Reason_msg"
)

var summaries = []string{
	"Freezing", "Bracing", "Chilly", "Cool", "Mild", "Warm", "Balmy", "Hot", "Sweltering", "Scorching",
}

// Forecast is the demo payload stored in the cache.
type Forecast struct {
	Date         time.Time
	TemperatureC int
	Summary      string
}

func (f Forecast) TemperatureF() int {
	return 32 + int(float64(f.TemperatureC)/0.5556)
}

func newForecasts() []Forecast {
	out := make([]Forecast, 5)
	for i := range out {
		out[i] = Forecast{
			Date:         time.Now().AddDate(0, 0, i+1),
			TemperatureC: rand.IntN(75) - 20,
			Summary:      summaries[rand.IntN(len(summaries))],
		}
	}
	return out
}

// demo walks through the forecast cache scenarios against one cache.
type demo struct {
	cache *cache.Cache[any]
	log   *slog.Logger
}

func (d *demo) run(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"get or set (sliding 60s)", d.getOrSet},
		{"get or create (sliding 60s)", d.getOrCreate},
		{"get or create (sliding 40s, absolute 90s)", d.getOrCreateAbsolute},
		{"pinned entry with eviction callback", d.callbackEntry},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			d.log.Info("received shutdown signal")
			return nil
		}
		d.log.Info("-- " + step.name)
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		d.cache.Remove(forecastKey)
	}
	return nil
}

// getOrSet reads the list and fills it on a miss.
func (d *demo) getOrSet(context.Context) error {
	if v, ok := d.cache.Get(forecastKey); ok {
		d.log.Info("cache hit", "forecasts", len(v.([]Forecast)))
		return nil
	}

	list := newForecasts()
	if err := d.cache.Set(forecastKey, list, cache.Options{SlidingExpiration: 60 * time.Second}); err != nil {
		return err
	}
	d.log.Info("cache miss, stored fresh forecasts", "first", list[0].Summary)

	if _, ok := d.cache.Get(forecastKey); !ok {
		return errors.New("freshly stored forecasts not found")
	}
	return nil
}

func (d *demo) getOrCreate(ctx context.Context) error {
	v, err := d.cache.GetOrCreate(ctx, forecastKey, func(context.Context) (any, cache.Options, error) {
		return newForecasts(), cache.Options{SlidingExpiration: 60 * time.Second}, nil
	})
	if err != nil {
		return err
	}
	d.log.Info("forecasts", "count", len(v.([]Forecast)), "keys", d.cache.Keys())
	return nil
}

func (d *demo) getOrCreateAbsolute(ctx context.Context) error {
	v, err := d.cache.GetOrCreate(ctx, forecastKey, func(context.Context) (any, cache.Options, error) {
		// Sliding access can never extend the entry past the absolute bound.
		return newForecasts(), cache.Options{
			SlidingExpiration:               40 * time.Second,
			AbsoluteExpirationRelativeToNow: 90 * time.Second,
		}, nil
	})
	if err != nil {
		return err
	}
	list := v.([]Forecast)
	d.log.Info("forecasts", "count", len(list), "first_f", list[0].TemperatureF())
	return nil
}

// callbackEntry pins the list, then removes it and reads back the reason
// message the eviction callback stored.
func (d *demo) callbackEntry(ctx context.Context) error {
	err := d.cache.Set(forecastKey, newForecasts(), cache.Options{
		Priority:      cache.PriorityNeverRemove,
		OnEvicted:     d.evictionCallback,
		EvictionState: d.cache,
	})
	if err != nil {
		return err
	}
	d.log.Info("callback entry", "entry_present", d.present(forecastKey), "message", d.message())

	d.cache.Remove(forecastKey)

	wait := time.NewTicker(10 * time.Millisecond)
	defer wait.Stop()
	timeout := time.After(time.Second)
	for {
		if msg := d.message(); msg != "" {
			d.log.Info("callback entry", "entry_present", d.present(forecastKey), "message", msg)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-timeout:
			return errors.New("eviction callback did not report")
		case <-wait.C:
		}
	}
}

func (d *demo) evictionCallback(key string, value any, reason cache.EvictionReason, state any) error {
	owner, ok := state.(*cache.Cache[any])
	if !ok {
		return fmt.Errorf("unexpected callback state %T", state)
	}
	return owner.Set(reasonKey, fmt.Sprintf("Entry was evicted. Reason: %s.", reason), cache.Options{})
}

func (d *demo) present(key string) bool {
	_, ok := d.cache.Get(key)
	return ok
}

func (d *demo) message() string {
	v, ok := d.cache.Get(reasonKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
