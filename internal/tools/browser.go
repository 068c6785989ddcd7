package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/haasonsaas/valet/pkg/models"
)

const (
	browserDefaultTimeoutSecs = 15
	browserMaxTimeoutSecs     = 60
)

// BrowserConfig configures the shared browser session.
type BrowserConfig struct {
	// DebuggerURL attaches to an already running Chrome started with
	// --remote-debugging-port instead of launching a managed one.
	DebuggerURL string

	// Headless launches the managed browser without a window.
	Headless bool
}

// Browser owns one lazily started Chrome session shared by the browser
// tools. The first operation launches (or attaches to) the browser and
// later operations reuse the same page. Operations are serialized; the
// page is shared state.
type Browser struct {
	cfg BrowserConfig

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	pageCtx     context.Context
	pageCancel  context.CancelFunc
}

// NewBrowser creates the shared browser session manager. No browser is
// started until the first operation.
func NewBrowser(cfg BrowserConfig) *Browser {
	return &Browser{cfg: cfg}
}

// Close shuts down the browser session if one was started.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Browser) resetLocked() {
	if b.pageCancel != nil {
		b.pageCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.pageCtx, b.pageCancel = nil, nil
	b.allocCtx, b.allocCancel = nil, nil
}

// ensureLocked builds the allocator and page contexts if missing. The
// browser process itself starts on the first chromedp.Run, so startup
// cost counts against the operation's own timeout.
func (b *Browser) ensureLocked() {
	if b.pageCtx != nil && b.pageCtx.Err() == nil {
		return
	}
	b.resetLocked()

	if b.cfg.DebuggerURL != "" {
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.cfg.DebuggerURL)
		// Attach to the tab the user is looking at rather than opening
		// a blank one next to it.
		if id := activePageTarget(b.allocCtx); id != "" {
			b.pageCtx, b.pageCancel = chromedp.NewContext(b.allocCtx, chromedp.WithTargetID(id))
			return
		}
		b.pageCtx, b.pageCancel = chromedp.NewContext(b.allocCtx)
		return
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if !b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.pageCtx, b.pageCancel = chromedp.NewContext(b.allocCtx)
}

// activePageTarget returns the first page target of a running browser,
// or empty when the listing fails or no page is open.
func activePageTarget(allocCtx context.Context) target.ID {
	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	infos, err := chromedp.Targets(ctx)
	if err != nil {
		return ""
	}
	for _, info := range infos {
		if info.Type == "page" {
			return info.TargetID
		}
	}
	return ""
}

// run executes actions against the shared page under the given timeout.
// A dead browser is discarded so the next operation relaunches.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ensureLocked()

	runCtx, cancel := context.WithTimeout(b.pageCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if b.pageCtx.Err() != nil {
			b.resetLocked()
		}
		return err
	}
	return nil
}

// browserTimeout clamps the requested operation timeout to 1..60 seconds,
// defaulting to 15.
func browserTimeout(secs int) time.Duration {
	if secs <= 0 {
		secs = browserDefaultTimeoutSecs
	}
	if secs > browserMaxTimeoutSecs {
		secs = browserMaxTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

func browserTimeoutResult(timeout time.Duration) *models.ToolResult {
	return NewToolError(ErrorTimeout, "",
		fmt.Sprintf("Operation timed out after %ds", int(timeout.Seconds()))).Result()
}

// BrowserNavigateTool navigates the shared browser to a URL.
type BrowserNavigateTool struct {
	browser *Browser
}

// NewBrowserNavigateTool creates the navigate tool over a shared session.
func NewBrowserNavigateTool(b *Browser) *BrowserNavigateTool {
	return &BrowserNavigateTool{browser: b}
}

// Name returns the tool name.
func (t *BrowserNavigateTool) Name() string { return "browser.navigate" }

// Description returns the tool description.
func (t *BrowserNavigateTool) Description() string {
	return "Navigate the shared browser session to a URL and report the final URL and page title"
}

// Schema returns the JSON schema for the tool arguments.
func (t *BrowserNavigateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The http or https URL to open"
			},
			"timeout_secs": {
				"type": "integer",
				"description": "Operation timeout in seconds (default: 15, max: 60)"
			}
		},
		"required": ["url"],
		"additionalProperties": false
	}`)
}

type browserNavigateArgs struct {
	URL         string `json:"url"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// Execute opens the URL in the shared page.
func (t *BrowserNavigateTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in browserNavigateArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}

	parsed, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil {
		return errorResult(fmt.Sprintf("Invalid URL: %v", err)), nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errorResult("Only http/https URLs are supported"), nil
	}

	timeout := browserTimeout(in.TimeoutSecs)
	var finalURL, title string
	err = t.browser.run(ctx, timeout,
		chromedp.Navigate(parsed.String()),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
	)
	if errors.Is(err, context.DeadlineExceeded) {
		return browserTimeoutResult(timeout), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("Navigation failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"action":        "navigate",
		"requested_url": parsed.String(),
		"final_url":     finalURL,
		"title":         title,
	}), nil
}

// BrowserClickTool clicks an element on the current page.
type BrowserClickTool struct {
	browser *Browser
}

// NewBrowserClickTool creates the click tool over a shared session.
func NewBrowserClickTool(b *Browser) *BrowserClickTool {
	return &BrowserClickTool{browser: b}
}

// Name returns the tool name.
func (t *BrowserClickTool) Name() string { return "browser.click" }

// Description returns the tool description.
func (t *BrowserClickTool) Description() string {
	return "Click an element on the current browser page"
}

// Schema returns the JSON schema for the tool arguments.
func (t *BrowserClickTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"selector": {
				"type": "string",
				"description": "CSS selector for the element to click"
			},
			"wait_for_navigation": {
				"type": "boolean",
				"description": "Wait for the page to settle after the click (default: false)"
			},
			"timeout_secs": {
				"type": "integer",
				"description": "Operation timeout in seconds (default: 15, max: 60)"
			}
		},
		"required": ["selector"],
		"additionalProperties": false
	}`)
}

type browserClickArgs struct {
	Selector          string `json:"selector"`
	WaitForNavigation bool   `json:"wait_for_navigation"`
	TimeoutSecs       int    `json:"timeout_secs"`
}

// Execute waits for the element, clicks it, and reports the final URL.
func (t *BrowserClickTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in browserClickArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}

	timeout := browserTimeout(in.TimeoutSecs)
	actions := []chromedp.Action{
		chromedp.WaitVisible(in.Selector, chromedp.ByQuery),
		chromedp.Click(in.Selector, chromedp.ByQuery),
	}
	if in.WaitForNavigation {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	var finalURL string
	actions = append(actions, chromedp.Location(&finalURL))

	err := t.browser.run(ctx, timeout, actions...)
	if errors.Is(err, context.DeadlineExceeded) {
		return browserTimeoutResult(timeout), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to click element %q: %v", in.Selector, err)), nil
	}

	return jsonResult(map[string]any{
		"action":    "click",
		"selector":  in.Selector,
		"final_url": finalURL,
	}), nil
}

// BrowserTypeTool types text into an element on the current page.
type BrowserTypeTool struct {
	browser *Browser
}

// NewBrowserTypeTool creates the type tool over a shared session.
func NewBrowserTypeTool(b *Browser) *BrowserTypeTool {
	return &BrowserTypeTool{browser: b}
}

// Name returns the tool name.
func (t *BrowserTypeTool) Name() string { return "browser.type" }

// Description returns the tool description.
func (t *BrowserTypeTool) Description() string {
	return "Type text into an element on the current browser page"
}

// Schema returns the JSON schema for the tool arguments.
func (t *BrowserTypeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"selector": {
				"type": "string",
				"description": "CSS selector for the input element"
			},
			"text": {
				"type": "string",
				"description": "Text to type into the target element"
			},
			"press_enter": {
				"type": "boolean",
				"description": "Press Enter after typing (default: false)"
			},
			"wait_for_navigation": {
				"type": "boolean",
				"description": "Wait for the page to settle after typing (default: false)"
			},
			"timeout_secs": {
				"type": "integer",
				"description": "Operation timeout in seconds (default: 15, max: 60)"
			}
		},
		"required": ["selector", "text"],
		"additionalProperties": false
	}`)
}

type browserTypeArgs struct {
	Selector          string `json:"selector"`
	Text              string `json:"text"`
	PressEnter        bool   `json:"press_enter"`
	WaitForNavigation bool   `json:"wait_for_navigation"`
	TimeoutSecs       int    `json:"timeout_secs"`
}

// Execute focuses the element, types the text, and reports the final URL.
func (t *BrowserTypeTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in browserTypeArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}

	timeout := browserTimeout(in.TimeoutSecs)
	keys := in.Text
	if in.PressEnter {
		keys += kb.Enter
	}
	actions := []chromedp.Action{
		chromedp.WaitVisible(in.Selector, chromedp.ByQuery),
		chromedp.Click(in.Selector, chromedp.ByQuery),
		chromedp.SendKeys(in.Selector, keys, chromedp.ByQuery),
	}
	if in.WaitForNavigation {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	var finalURL string
	actions = append(actions, chromedp.Location(&finalURL))

	err := t.browser.run(ctx, timeout, actions...)
	if errors.Is(err, context.DeadlineExceeded) {
		return browserTimeoutResult(timeout), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to type into element %q: %v", in.Selector, err)), nil
	}

	return jsonResult(map[string]any{
		"action":      "type",
		"selector":    in.Selector,
		"typed_chars": utf8.RuneCountInString(in.Text),
		"press_enter": in.PressEnter,
		"final_url":   finalURL,
	}), nil
}

// BrowserScreenshotTool captures the current page.
type BrowserScreenshotTool struct {
	browser *Browser
}

// NewBrowserScreenshotTool creates the screenshot tool over a shared
// session.
func NewBrowserScreenshotTool(b *Browser) *BrowserScreenshotTool {
	return &BrowserScreenshotTool{browser: b}
}

// Name returns the tool name.
func (t *BrowserScreenshotTool) Name() string { return "browser.screenshot" }

// Description returns the tool description.
func (t *BrowserScreenshotTool) Description() string {
	return "Capture a screenshot of the current browser page and return PNG bytes as base64"
}

// Schema returns the JSON schema for the tool arguments.
func (t *BrowserScreenshotTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"full_page": {
				"type": "boolean",
				"description": "Capture the full scrollable page (default: false)"
			},
			"timeout_secs": {
				"type": "integer",
				"description": "Operation timeout in seconds (default: 15, max: 60)"
			}
		},
		"additionalProperties": false
	}`)
}

type browserScreenshotArgs struct {
	FullPage    bool `json:"full_page"`
	TimeoutSecs int  `json:"timeout_secs"`
}

// Execute captures the page and returns the PNG with its dimensions.
func (t *BrowserScreenshotTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in browserScreenshotArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return errorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
		}
	}

	timeout := browserTimeout(in.TimeoutSecs)
	var buf []byte
	var shot chromedp.Action
	if in.FullPage {
		// Quality 100 keeps the capture in PNG; anything lower switches
		// chromedp to JPEG.
		shot = chromedp.FullScreenshot(&buf, 100)
	} else {
		shot = chromedp.CaptureScreenshot(&buf)
	}
	var finalURL string
	err := t.browser.run(ctx, timeout, shot, chromedp.Location(&finalURL))
	if errors.Is(err, context.DeadlineExceeded) {
		return browserTimeoutResult(timeout), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to capture screenshot: %v", err)), nil
	}

	// Dimensions are advisory; a decode failure still returns the image.
	width, height := 0, 0
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(buf)); err == nil {
		width, height = cfg.Width, cfg.Height
	}

	return jsonResult(map[string]any{
		"mime":       "image/png",
		"width":      width,
		"height":     height,
		"size_bytes": len(buf),
		"data_b64":   base64.StdEncoding.EncodeToString(buf),
		"url":        finalURL,
		"full_page":  in.FullPage,
	}), nil
}
