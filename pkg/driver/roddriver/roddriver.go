// Package roddriver implements the driver boundary on Chrome DevTools via
// go-rod. Each tenant workflow gets its own page so session-local state
// stays together.
package roddriver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// Config configures the browser.
type Config struct {
	Headless    bool
	ControlURL  string // connect to a running browser instead of launching one
	ArtifactDir string // upload sources and download targets
	WaitTimeout time.Duration
}

// Driver drives one browser process.
type Driver struct {
	browser *rod.Browser
	cfg     Config
	logger  *zap.Logger

	mu    sync.Mutex
	pages map[string]*rod.Page
}

// Launch starts (or connects to) a browser.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	controlURL := cfg.ControlURL
	if controlURL == "" {
		u, err := launcher.New().Leakless(true).Headless(cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	return &Driver{
		browser: browser,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "roddriver")),
		pages:   make(map[string]*rod.Page),
	}, nil
}

// Close closes the browser.
func (d *Driver) Close() error {
	return d.browser.Close()
}

func (d *Driver) page(tenantID, workflowID string) (*rod.Page, error) {
	key := contract.LedgerKey(tenantID, workflowID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pages[key]; ok {
		return p, nil
	}
	p, err := d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, err
	}
	d.pages[key] = p
	return p, nil
}

// CloseSession closes the page of a workflow.
func (d *Driver) CloseSession(tenantID, workflowID string) error {
	key := contract.LedgerKey(tenantID, workflowID)
	d.mu.Lock()
	p, ok := d.pages[key]
	delete(d.pages, key)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

func classify(err error, committed bool) *perrors.DriverError {
	var notFound *rod.ElementNotFoundError
	var navErr *rod.NavigationError
	var objErr *rod.ObjectNotFoundError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &notFound):
		return &perrors.DriverError{Kind: perrors.DriverElementNotFound, Committed: committed, Err: err}
	case errors.As(err, &navErr):
		return &perrors.DriverError{Kind: perrors.DriverNavigationFailed, Committed: committed, Err: err}
	case errors.As(err, &objErr):
		return &perrors.DriverError{Kind: perrors.DriverDetached, Committed: committed, Err: err}
	}
	return driver.Classify(err, committed)
}

// element resolves the primary selector, then the candidates in order.
func element(p *rod.Page, c *contract.ActionContract) (*rod.Element, error) {
	selectors := append([]string{c.Params.Selector}, c.Params.SelectorCandidates...)
	var lastErr error
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		el, err := p.Sleeper(rod.NotFoundSleeper).Element(sel)
		if err == nil {
			return el, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &rod.ElementNotFoundError{}
	}
	return nil, lastErr
}

func (d *Driver) Perform(ctx context.Context, c *contract.ActionContract) (*driver.ObservedState, error) {
	page, err := d.page(c.TenantID, c.WorkflowID)
	if err != nil {
		return nil, classify(err, false)
	}
	p := page.Context(ctx)

	state := &driver.ObservedState{}
	committed := false

	switch c.Kind {
	case contract.KindNavigate:
		committed = true
		if err := p.Navigate(c.Params.URL); err != nil {
			return nil, classify(err, false)
		}
		if err := p.WaitLoad(); err != nil {
			return nil, classify(err, committed)
		}
	case contract.KindClick:
		el, err := element(p, c)
		if err != nil {
			return nil, classify(err, false)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, classify(err, false)
		}
		committed = true
	case contract.KindType:
		el, err := element(p, c)
		if err != nil {
			return nil, classify(err, false)
		}
		if err := el.SelectAllText(); err != nil {
			d.logger.Debug("select all text failed", zap.Error(err))
		}
		if err := el.Input(c.Params.Text); err != nil {
			return nil, classify(err, false)
		}
		committed = true
	case contract.KindSelect:
		el, err := element(p, c)
		if err != nil {
			return nil, classify(err, false)
		}
		if err := el.Select([]string{c.Params.Value}, true, rod.SelectorTypeText); err != nil {
			return nil, classify(err, false)
		}
		committed = true
	case contract.KindExtract:
		state.Extracted = make(map[string]string, len(c.Params.ExtractFields))
		for _, field := range c.Params.ExtractFields {
			el, err := p.Sleeper(rod.NotFoundSleeper).Element(field)
			if err != nil {
				return nil, classify(err, false)
			}
			text, err := el.Text()
			if err != nil {
				return nil, classify(err, false)
			}
			state.Extracted[field] = text
		}
	case contract.KindUpload:
		path := filepath.Join(d.cfg.ArtifactDir, filepath.Base(c.Params.ArtifactID))
		info, err := os.Stat(path)
		if err != nil {
			return nil, &perrors.DriverError{Kind: perrors.DriverElementNotFound, Err: err}
		}
		el, err := element(p, c)
		if err != nil {
			return nil, classify(err, false)
		}
		if err := el.SetFiles([]string{path}); err != nil {
			return nil, classify(err, false)
		}
		committed = true
		state.Artifacts = append(state.Artifacts, driver.Artifact{ID: c.Params.ArtifactID, Path: path, Bytes: info.Size()})
	case contract.KindDownloadTrigger:
		el, err := element(p, c)
		if err != nil {
			return nil, classify(err, false)
		}
		wait := d.browser.Context(ctx).WaitDownload(d.cfg.ArtifactDir)
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, classify(err, false)
		}
		committed = true
		dl := wait()
		art, err := describeFile(filepath.Join(d.cfg.ArtifactDir, dl.GUID), dl.GUID)
		if err != nil {
			return nil, classify(err, committed)
		}
		state.Artifacts = append(state.Artifacts, art)
	case contract.KindWaitOnly:
	case contract.KindCustomJSRestricted:
		args := []interface{}{}
		if c.Params.Argument != "" {
			args = append(args, c.Params.Argument)
		}
		res, err := p.Eval(c.Params.Expression, args...)
		if err != nil {
			return nil, classify(err, true)
		}
		committed = true
		state.ScriptResult = res.Value.String()
	default:
		return nil, &perrors.DriverError{Kind: perrors.DriverUnavailable, Err: fmt.Errorf("unsupported kind %q", c.Kind)}
	}

	if err := d.wait(p, c.Waits); err != nil {
		return nil, classify(err, committed)
	}

	observed, err := d.observe(p)
	if err != nil {
		return nil, classify(err, committed)
	}
	observed.Committed = committed
	observed.Extracted = state.Extracted
	observed.Artifacts = state.Artifacts
	observed.ScriptResult = state.ScriptResult
	return observed, nil
}

func describeFile(path, id string) (driver.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return driver.Artifact{}, err
	}
	sum := sha256.Sum256(data)
	return driver.Artifact{ID: id, Path: path, Hash: "sha256:" + hex.EncodeToString(sum[:]), Bytes: int64(len(data))}, nil
}

// wait performs event-based waits; none of them sleep for a fixed time.
func (d *Driver) wait(p *rod.Page, waits []contract.WaitCondition) error {
	for _, w := range waits {
		timeout := d.cfg.WaitTimeout
		if w.TimeoutMs > 0 {
			timeout = time.Duration(w.TimeoutMs) * time.Millisecond
		}
		tp := p.Timeout(timeout)
		var err error
		switch w.Kind {
		case "selector":
			_, err = tp.Element(w.Value)
		case "url":
			err = tp.Wait(rod.Eval(`(u) => location.href.includes(u)`, w.Value))
		case "function":
			err = tp.Wait(rod.Eval(w.Value))
		case "response":
			err = tp.WaitIdle(timeout)
		}
		tp.CancelTimeout()
		if err != nil {
			return fmt.Errorf("wait %s %q: %w", w.Kind, w.Value, err)
		}
	}
	return nil
}

const scanScript = `() => {
	const out = [];
	const nodes = document.querySelectorAll('a,button,input,select,textarea,[role=button],[role=link]');
	nodes.forEach((el, i) => {
		if (i >= 200) return;
		const attrs = {};
		for (const a of el.attributes) attrs[a.name] = a.value;
		const r = el.getBoundingClientRect();
		out.push({
			eid: 'e' + i,
			selector: el.id ? '#' + el.id : '',
			role: el.getAttribute('role') || el.tagName.toLowerCase(),
			name: (el.getAttribute('aria-label') || el.innerText || '').slice(0, 80),
			type: el.type || '',
			text: (el.innerText || '').slice(0, 200),
			value: el.value || '',
			enabled: !el.disabled,
			visible: r.width > 0 && r.height > 0,
			attributes: attrs,
		});
	});
	const errors = [];
	document.querySelectorAll('[role=alert],.error,.alert-danger').forEach((el) => {
		const t = (el.innerText || '').trim();
		if (t) errors.push({kind: 'alert', text: t.slice(0, 200)});
	});
	return {elements: out, errors: errors, phase: document.readyState};
}`

type scan struct {
	Elements []driver.Element      `json:"elements"`
	Errors   []driver.VisibleError `json:"errors"`
	Phase    string                `json:"phase"`
}

func (d *Driver) observe(p *rod.Page) (*driver.ObservedState, error) {
	info, err := p.Info()
	if err != nil {
		return nil, err
	}
	res, err := p.Eval(scanScript)
	if err != nil {
		return nil, err
	}
	var s scan
	if err := res.Value.Unmarshal(&s); err != nil {
		return nil, err
	}
	return stateOf(info, s), nil
}

// stateOf maps page info and an element scan to an observed state.
func stateOf(info *proto.TargetTargetInfo, s scan) *driver.ObservedState {
	return &driver.ObservedState{
		URL:           info.URL,
		Title:         info.Title,
		Phase:         s.Phase,
		Elements:      s.Elements,
		VisibleErrors: s.Errors,
	}
}

func (d *Driver) Observe(ctx context.Context, tenantID, workflowID string) (*driver.ObservedState, error) {
	page, err := d.page(tenantID, workflowID)
	if err != nil {
		return nil, classify(err, false)
	}
	s, err := d.observe(page.Context(ctx))
	if err != nil {
		return nil, classify(err, false)
	}
	return s, nil
}
