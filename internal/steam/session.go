// Package steam implements the Workshop resolution protocol: a process-wide
// singleton session that discovers and connects once, then resolves
// workshop_id -> hcontent -> signed download URL on every subsequent call.
package steam

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kether/mapd/internal/core"
)

// State is the session's lifecycle stage. Once Failed, the cached error is
// returned to every caller for the remainder of the process; the session is
// never retried.
type State string

const (
	StateNotStarted  State = "not_started"
	StateDiscovering State = "discovering"
	StateConnecting  State = "connecting"
	StateReady       State = "ready"
	StateFailed      State = "failed"
)

const l4d2AppID = 550

// Transport performs the two Steam RPCs. The default implementation talks to
// Steam's published web endpoints; tests substitute a fake.
type Transport interface {
	Discover(ctx context.Context) error
	GetHcontent(ctx context.Context, workshopID uint64) (hcontent uint64, err error)
	GetDownloadURL(ctx context.Context, hcontent uint64) (downloadURL string, err error)
}

// Session is the process-wide singleton: lazily initialized on first
// workshop install, reused for the process lifetime. Concurrent first
// touchers race through a one-shot initializer via singleflight and observe
// the same result.
type Session struct {
	transport Transport

	mu    sync.RWMutex
	state State
	err   error

	group singleflight.Group
}

func NewSession(transport Transport) *Session {
	return &Session{transport: transport, state: StateNotStarted}
}

// ensure runs the discover+connect dance exactly once per process, including
// across racing callers.
func (s *Session) ensure(ctx context.Context) error {
	s.mu.RLock()
	state, err := s.state, s.err
	s.mu.RUnlock()
	if state == StateReady {
		return nil
	}
	if state == StateFailed {
		return err
	}

	_, err, _ = s.group.Do("ensure", func() (interface{}, error) {
		s.mu.RLock()
		already := s.state
		s.mu.RUnlock()
		if already == StateReady {
			return nil, nil
		}
		if already == StateFailed {
			return nil, s.err
		}

		s.setState(StateDiscovering, nil)
		s.setState(StateConnecting, nil)

		if err := s.transport.Discover(ctx); err != nil {
			wrapped := core.Wrap(core.KindNetwork, "failed to discover or connect to steam", err)
			s.setState(StateFailed, wrapped)
			return nil, wrapped
		}

		s.setState(StateReady, nil)
		return nil, nil
	})
	return err
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = err
}

// ResolveResult is the output of resolving a workshop id to a downloadable
// URL plus the filename the fetcher should write to.
type ResolveResult struct {
	DownloadURL string
	Filename    string
}

// Resolve performs the two-RPC exchange: GetDetails for hcontent, then
// ClientUFSGetUGCDetails for a signed URL. Failure modes map directly onto
// the error taxonomy the installation pipeline switches on.
func (s *Session) Resolve(ctx context.Context, workshopID uint64) (ResolveResult, error) {
	if err := s.ensure(ctx); err != nil {
		return ResolveResult{}, err
	}

	hcontent, err := s.transport.GetHcontent(ctx, workshopID)
	if err != nil {
		return ResolveResult{}, err // transport pre-tags: Network for transport failures, NotFound for an empty details list
	}
	if hcontent == 0 {
		return ResolveResult{}, core.New(core.KindNotFound, fmt.Sprintf("workshop id %d not found", workshopID))
	}

	downloadURL, err := s.transport.GetDownloadURL(ctx, hcontent)
	if err != nil {
		return ResolveResult{}, err // transport returns a pre-tagged *core.Error for eresult failures
	}
	if downloadURL == "" {
		return ResolveResult{}, core.New(core.KindNoDownloadURL, "steam returned no download url")
	}

	return ResolveResult{
		DownloadURL: downloadURL,
		Filename:    filenameFromURL(downloadURL),
	}, nil
}

// filenameFromURL takes the URL's last path segment, strips the query, and
// falls back to "workshop_download" if empty, always prefixed with a fresh
// opaque identifier to avoid scratch-directory collisions.
func filenameFromURL(rawURL string) string {
	name := "workshop_download"
	if u, err := url.Parse(rawURL); err == nil {
		segments := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
		if last := segments[len(segments)-1]; last != "" {
			name = last
		}
	}
	return fmt.Sprintf("%s_%s", uuid.NewString(), name)
}
