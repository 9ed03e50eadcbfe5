package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/roach88/eventsync/internal/doc"
)

// Feed keeps a replica document in sync with a server's /ws update feed.
// Each message is the list of container snapshots produced by one server
// commit; it is applied to the replica in one transaction, so a
// LocalOverrider over the replica sees one commit per server commit.
type Feed struct {
	url     string
	replica *doc.Document
	dialer  *websocket.Dialer
	header  http.Header
	lastSeq atomic.Int64

	// seqs is the seq of the last update applied per container. Only the
	// Run goroutine touches it.
	seqs map[string]int64
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) FeedOption {
	return func(f *Feed) {
		f.dialer = d
	}
}

// WithFeedToken sends token in the Authorization header of the handshake.
func WithFeedToken(token string) FeedOption {
	return func(f *Feed) {
		f.header.Set("Authorization", "Bearer "+token)
	}
}

// NewFeed creates a feed from the websocket url (e.g. "ws://host:8080/ws")
// into replica.
func NewFeed(url string, replica *doc.Document, opts ...FeedOption) *Feed {
	f := &Feed{
		url:     url,
		replica: replica,
		dialer:  websocket.DefaultDialer,
		header:  http.Header{},
		seqs:    make(map[string]int64),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// LastSeq returns the seq of the last applied server commit.
func (f *Feed) LastSeq() int64 {
	return f.lastSeq.Load()
}

// Run connects and applies updates until ctx is cancelled or the server
// closes the connection. A normal close returns nil.
func (f *Feed) Run(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	})
	defer stop()

	slog.Info("feed connected", "url", f.url)

	for {
		var updates []doc.Update
		if err := conn.ReadJSON(&updates); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var cerr *websocket.CloseError
			if errors.As(err, &cerr) && (cerr.Code == websocket.CloseNormalClosure || cerr.Code == websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		if err := f.apply(ctx, updates); err != nil {
			return err
		}
	}
}

// apply writes updates into the replica in one transaction. An update
// older than the one last applied to its container is skipped.
func (f *Feed) apply(ctx context.Context, updates []doc.Update) error {
	fresh := make([]doc.Update, 0, len(updates))
	for _, u := range updates {
		if last, ok := f.seqs[u.Container]; ok && u.Seq < last {
			slog.Debug("feed update skipped", "container", u.Container, "seq", u.Seq, "applied_seq", last)
			continue
		}
		fresh = append(fresh, u)
	}
	if len(fresh) == 0 {
		return nil
	}

	err := f.replica.Transaction(ctx, func(ctx context.Context) error {
		for _, u := range fresh {
			if err := u.Apply(f.replica); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply feed update: %w", err)
	}

	var seq int64
	for _, u := range fresh {
		f.seqs[u.Container] = u.Seq
		seq = max(seq, u.Seq)
	}
	if seq > f.lastSeq.Load() {
		f.lastSeq.Store(seq)
	}
	slog.Debug("feed update applied", "seq", seq, "containers", len(fresh))
	return nil
}
