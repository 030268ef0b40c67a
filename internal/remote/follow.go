package remote

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ironwolf/localsync/internal/syncerr"
)

// Handler applies one change. Returning an error leaves the cursor where it
// was; the follower resubscribes and the change is delivered again.
type Handler func(ctx context.Context, c Change) error

// Gate blocks until the feed may run and returns a context that is
// cancelled when that stops being true (for example on going offline).
type Gate func(ctx context.Context) (context.Context, context.CancelFunc, error)

// FollowConfig configures Follow.
type FollowConfig struct {
	Channel    Channel
	Collection string
	Handle     Handler

	// LoadCursor and SaveCursor persist the last applied Seq. Both are
	// optional; without them every subscription starts from the snapshot.
	LoadCursor func(ctx context.Context) (int64, error)
	SaveCursor func(ctx context.Context, cursor int64) error

	// Gate is optional. Nil means always open.
	Gate Gate

	// OnError receives every subscription failure, already classified as
	// syncerr.ErrRemoteSubscription.
	OnError func(err error)

	// InitialBackoff is the first resubscribe delay (default: 500ms).
	InitialBackoff time.Duration
	// MaxBackoff caps the resubscribe delay (default: 30s).
	MaxBackoff time.Duration

	Logger *log.Logger
}

// Follow consumes the change feed of one collection until ctx is done.
// Disconnects are retried with exponential backoff from the last saved
// cursor. It returns ctx.Err(), or the gate's error if the gate fails.
func Follow(ctx context.Context, cfg FollowConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[follow] ", log.LstdFlags)
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var (
			runCtx context.Context
			cancel context.CancelFunc
		)
		if cfg.Gate != nil {
			var err error
			runCtx, cancel, err = cfg.Gate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		} else {
			runCtx, cancel = context.WithCancel(ctx)
		}

		progressed, err := followOnce(runCtx, cfg)
		gateClosed := runCtx.Err() != nil
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if progressed {
			b.Reset()
		}
		if gateClosed {
			// Gate closed; wait for it to reopen.
			continue
		}

		err = syncerr.RemoteSubscription(cfg.Collection, err)
		if cfg.OnError != nil {
			cfg.OnError(err)
		}
		wait := b.NextBackOff()
		cfg.Logger.Printf("WARNING: %v (resubscribing in %s)", err, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// followOnce runs one subscription until it fails. It reports whether at
// least one change was applied.
func followOnce(ctx context.Context, cfg FollowConfig) (bool, error) {
	var cursor int64
	if cfg.LoadCursor != nil {
		c, err := cfg.LoadCursor(ctx)
		if err != nil {
			return false, err
		}
		cursor = c
	}

	sub, err := cfg.Channel.Subscribe(ctx, cfg.Collection, cursor)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	progressed := false
	for {
		change, err := sub.Next(ctx)
		if err != nil {
			return progressed, err
		}
		if change.Collection == "" {
			change.Collection = cfg.Collection
		}

		if err := cfg.Handle(ctx, change); err != nil {
			return progressed, err
		}
		progressed = true

		if change.Seq > cursor {
			cursor = change.Seq
			if cfg.SaveCursor != nil {
				if err := cfg.SaveCursor(ctx, cursor); err != nil {
					return progressed, err
				}
			}
		}
	}
}
