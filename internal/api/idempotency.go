package api

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type idempotentResponse struct {
	pending bool
	status  int
	body    []byte
	header  http.Header
	stored  time.Time
}

type idempotencyCache struct {
	ttl     time.Duration
	entries *xsync.Map[string, idempotentResponse]
	now     func() time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{
		ttl:     ttl,
		entries: xsync.NewMap[string, idempotentResponse](),
		now:     time.Now,
	}
}

// reserve claims key for a new request. It returns the earlier response when
// one was already stored, or inFlight when another request holds the key.
func (c *idempotencyCache) reserve(key string) (prev idempotentResponse, replay, inFlight bool) {
	now := c.now()
	c.entries.Compute(key, func(old idempotentResponse, loaded bool) (idempotentResponse, xsync.ComputeOp) {
		if loaded && (old.pending || now.Sub(old.stored) < c.ttl) {
			prev = old
			replay = !old.pending
			inFlight = old.pending
			return old, xsync.CancelOp
		}
		return idempotentResponse{pending: true, stored: now}, xsync.UpdateOp
	})
	return prev, replay, inFlight
}

func (c *idempotencyCache) complete(key string, resp idempotentResponse) {
	resp.stored = c.now()
	c.entries.Store(key, resp)
}

func (c *idempotencyCache) release(key string) { c.entries.Delete(key) }

// sweep drops expired responses.
func (c *idempotencyCache) sweep() {
	now := c.now()
	c.entries.Range(func(key string, v idempotentResponse) bool {
		if !v.pending && now.Sub(v.stored) >= c.ttl {
			c.entries.Delete(key)
		}
		return true
	})
}

type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// idempotent replays the first successful response for a repeated
// Idempotency-Key from the same caller. Failed requests release the key so
// they can be retried. It runs behind RequireCaller.
func (c *Controller) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		// keys are per caller; another caller reusing one gets its own slot
		key = strings.Join([]string{callerFrom(r.Context()), r.Method, r.URL.Path, key}, "\x00")

		prev, replay, inFlight := c.idem.reserve(key)
		switch {
		case inFlight:
			writeJSON(w, http.StatusConflict, errorBody{Error: "request with this idempotency key is in progress", Kind: "in_progress"})
			return
		case replay:
			for k, v := range prev.header {
				if k != "X-Request-Id" {
					w.Header()[k] = v
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(prev.status)
			_, _ = w.Write(prev.body)
			return
		}

		buf := &bufferedWriter{header: w.Header().Clone()}
		next.ServeHTTP(buf, r)
		if buf.status == 0 {
			buf.status = http.StatusOK
		}
		if buf.status < 300 {
			c.idem.complete(key, idempotentResponse{status: buf.status, body: buf.body.Bytes(), header: buf.header.Clone()})
		} else {
			c.idem.release(key)
		}
		c.idem.sweep()

		for k, v := range buf.header {
			w.Header()[k] = v
		}
		w.WriteHeader(buf.status)
		_, _ = w.Write(buf.body.Bytes())
	})
}
