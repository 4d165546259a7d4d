package extract

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/browser"
	"github.com/streamsnare/streamsnare/internal/config"
	"github.com/streamsnare/streamsnare/internal/driver"
	"github.com/streamsnare/streamsnare/internal/metrics"
	"github.com/streamsnare/streamsnare/internal/rules"
	"github.com/streamsnare/streamsnare/internal/security"
	"github.com/streamsnare/streamsnare/internal/types"
)

// routePattern matches every request a page issues; the rules decide per
// request, not the pattern.
const routePattern = "*"

// Embed players size themselves to the viewport. A small desktop one keeps
// layout cheap without tripping anyone's mobile breakpoints.
const (
	viewportWidth  = 800
	viewportHeight = 600
)

// contextOptions is the fixed per-extraction context profile.
func contextOptions(userAgent string) driver.ContextOptions {
	return driver.ContextOptions{
		UserAgent:           userAgent,
		ViewportWidth:       viewportWidth,
		ViewportHeight:      viewportHeight,
		BypassCSP:           true,
		IgnoreHTTPSErrors:   true,
		ReducedMotion:       true,
		BlockServiceWorkers: true,
	}
}

// resolution is the single outcome of one extraction.
type resolution struct {
	result *types.ExtractionResult
	err    error
}

// session is the state of one extraction inside its pooled task. The route
// handler runs on the driver's event goroutine and the page walk on its own,
// so the resolved flag arbitrates: whoever wins the check-and-set delivers
// the one and only outcome.
type session struct {
	clock     clockwork.Clock
	rules     *rules.Rules
	userAgent string
	embedURL  string
	admitted  time.Time

	cctx        driver.Context
	cancelDrive context.CancelFunc

	mu    sync.Mutex // guards timer
	timer clockwork.Timer

	resolved atomic.Bool
	outcome  chan resolution
	driven   sync.WaitGroup
}

// run executes the extraction protocol inside an admitted pool task.
func (e *Extractor) run(ctx context.Context, acquire browser.Acquire, req Request) (*types.ExtractionResult, error) {
	admitted := e.clock.Now()

	cctx, err := acquire(ctx, contextOptions(e.userAgent))
	if err != nil {
		return nil, err
	}

	s := &session{
		clock:     e.clock,
		rules:     e.rules.Get(),
		userAgent: e.userAgent,
		embedURL:  req.EmbedURL,
		admitted:  admitted,
		cctx:      cctx,
		outcome:   make(chan resolution, 1),
	}

	// Popups never host the player; close them as they appear.
	cctx.OnPage(func(p driver.Page) {
		_ = p.Close()
	})

	if req.Timeout > 0 {
		s.setTimer(e.clock.AfterFunc(req.Timeout, func() {
			s.resolve(nil, types.ErrExtractionTimeout)
		}))
	} else {
		s.resolve(nil, types.ErrExtractionTimeout)
	}

	if err := cctx.Route(routePattern, s.handleRoute); err != nil {
		s.resolve(nil, types.NewContextError(err))
	}

	driveCtx, cancel := context.WithCancel(context.Background())
	s.cancelDrive = cancel
	s.driven.Add(1)
	go s.drive(driveCtx)

	var out resolution
	select {
	case out = <-s.outcome:
	case <-cctx.Done():
		// The browser died under the extraction.
		s.resolve(nil, types.NewDisconnectError())
		out = <-s.outcome
	}

	s.teardown()
	return out.result, out.err
}

func (s *session) setTimer(t clockwork.Timer) {
	s.mu.Lock()
	s.timer = t
	s.mu.Unlock()
}

// claim wins the right to deliver the outcome. At most one caller ever wins;
// the winner also disarms the timeout timer.
func (s *session) claim() bool {
	if !s.resolved.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	t := s.timer
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	return true
}

// resolve delivers a non-manifest outcome unless something else already won.
func (s *session) resolve(result *types.ExtractionResult, err error) {
	if !s.claim() {
		return
	}
	s.outcome <- resolution{result: result, err: err}
}

// handleRoute is the single interceptor for all page traffic. It runs on the
// driver's event goroutine.
func (s *session) handleRoute(route driver.Route) {
	req := route.Request()
	rawURL := req.URL()

	switch s.rules.Decide(rawURL, req.ResourceType()) {
	case rules.Capture:
		s.capture(route, rawURL)
	case rules.Abort:
		route.Abort()
	default:
		route.Continue()
	}
}

// capture claims the manifest sighting and resolves the extraction. The
// cookie snapshot happens before the abort, while the single-use token state
// behind the request is still intact. A manifest arriving after resolution
// is aborted without touching the delivered result.
func (s *session) capture(route driver.Route, manifestURL string) {
	if !s.claim() {
		route.Abort()
		return
	}

	metrics.ManifestDetection.Observe(s.clock.Since(s.admitted).Seconds())

	cookies := s.snapshotCookies()
	route.Abort()

	origin := originFor(route.Request().Header("Referer"), s.embedURL)
	result := &types.ExtractionResult{
		ManifestURL: manifestURL,
		Headers: map[string]string{
			"Referer":    origin + "/",
			"Origin":     origin,
			"User-Agent": s.userAgent,
		},
	}
	if cookies != "" {
		result.Cookies = cookies
	}

	log.Debug().Str("manifest", security.RedactURL(manifestURL)).Msg("Manifest captured")
	s.outcome <- resolution{result: result}
}

// snapshotCookies serializes the context's cookie jar into a Cookie header
// value. Empty means no cookies or a failed read; either way the result
// simply carries none.
func (s *session) snapshotCookies() string {
	cookies, err := s.cctx.Cookies(context.Background())
	if err != nil {
		log.Debug().Err(err).Msg("Cookie snapshot failed")
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// drive opens the embed page and coaxes its players into starting playback.
// Its only claim on the outcome is surfacing page-creation failures;
// everything else is best-effort noise around the route interceptor.
func (s *session) drive(ctx context.Context) {
	defer s.driven.Done()

	if s.resolved.Load() {
		return
	}

	page, err := s.cctx.NewPage(ctx)
	if err != nil {
		s.resolve(nil, types.NewPageError(err))
		return
	}

	if err := page.Goto(ctx, s.embedURL, driver.GotoOptions{Timeout: config.NavigationTimeout}); err != nil {
		// The manifest often fires before DOM content settles; a broken or
		// slow navigation must not kill an extraction that may already have
		// resolved.
		log.Debug().Err(err).Msg("Navigation ended early")
	}

	if !s.settle(ctx) {
		return
	}
	s.coaxFrame(ctx, page.MainFrame())

	if !s.settle(ctx) {
		return
	}
	var wg sync.WaitGroup
	for _, frame := range page.Frames() {
		frame := frame
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.coaxFrame(ctx, frame)
		}()
	}
	wg.Wait()
}

// settle waits the post-navigation grace period. It reports false when the
// session resolved or started tearing down, telling the caller to stop
// driving.
func (s *session) settle(ctx context.Context) bool {
	if s.resolved.Load() {
		return false
	}
	select {
	case <-s.clock.After(config.SettleDelay):
	case <-ctx.Done():
		return false
	}
	return !s.resolved.Load()
}

// coaxFrame walks the play selectors and clicks the first visible match.
// Players that autoplay never need this; the rest hide the manifest fetch
// behind their play button.
func (s *session) coaxFrame(ctx context.Context, frame driver.Frame) {
	for _, selector := range s.rules.PlaySelectors() {
		if s.resolved.Load() || ctx.Err() != nil {
			return
		}
		el, err := frame.Find(selector)
		if err != nil || el == nil {
			continue
		}
		box, err := el.BoundingBox()
		if err != nil || box == nil || box.Width <= 0 || box.Height <= 0 {
			continue
		}
		if err := el.Click(config.ClickTimeout); err != nil {
			log.Debug().Str("selector", selector).Err(err).Msg("Play click failed")
			continue
		}
		log.Debug().Str("selector", selector).Msg("Play control clicked")
		return
	}
}

// teardown releases everything the session owns. Errors are swallowed: the
// outcome is already decided and a half-dead context must not change it.
func (s *session) teardown() {
	s.cancelDrive()
	s.driven.Wait()

	s.mu.Lock()
	t := s.timer
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}

	if err := s.cctx.Unroute(routePattern); err != nil {
		log.Debug().Err(err).Msg("Route teardown failed")
	}
	for _, p := range s.cctx.Pages() {
		if err := p.Close(); err != nil {
			log.Debug().Err(err).Msg("Page close failed")
		}
	}
	if err := s.cctx.Close(); err != nil {
		log.Debug().Err(err).Msg("Context close failed")
	}
}

// originFor derives the replay origin from the frame that requested the
// manifest, falling back to the embed page when the request carries no
// usable Referer.
func originFor(referer, embedURL string) string {
	if o := originOf(referer); o != "" {
		return o
	}
	return originOf(embedURL)
}

// originOf reduces a URL to scheme://host, or "" when it has neither.
func originOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
