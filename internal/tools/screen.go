package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"golang.org/x/image/draw"

	"github.com/haasonsaas/valet/pkg/models"
)

const screenDefaultMaxDim = 1568

// ScreenConfig configures the screen capture tool.
type ScreenConfig struct {
	// MaxDim is the longest allowed image side; larger captures are
	// downscaled before encoding. Default: 1568.
	MaxDim int
}

// ScreenTool captures the host display through the platform screenshot
// command (screencapture on macOS; grim, gnome-screenshot, scrot, or
// import on Linux) and returns the PNG as base64.
type ScreenTool struct {
	maxDim int
}

// NewScreenTool creates the screen capture tool.
func NewScreenTool(cfg ScreenConfig) *ScreenTool {
	if cfg.MaxDim <= 0 {
		cfg.MaxDim = screenDefaultMaxDim
	}
	return &ScreenTool{maxDim: cfg.MaxDim}
}

// Name returns the tool name.
func (t *ScreenTool) Name() string { return "screen.capture" }

// Description returns the tool description.
func (t *ScreenTool) Description() string {
	return "Capture a screenshot and return PNG bytes as base64"
}

// Schema returns the JSON schema for the tool arguments.
func (t *ScreenTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"display": {
				"type": "integer",
				"description": "Display index to capture (default: 0)"
			}
		},
		"additionalProperties": false
	}`)
}

type screenArgs struct {
	Display int `json:"display"`
}

// Execute captures the requested display and returns capture metadata
// plus the PNG payload.
func (t *ScreenTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in screenArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return errorResult(fmt.Sprintf("Invalid arguments: %v", err)), nil
		}
	}
	if in.Display < 0 {
		return errorResult(fmt.Sprintf("Display index out of range: %d", in.Display)), nil
	}

	data, err := captureDisplay(ctx, in.Display)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to decode screenshot: %v", err)), nil
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width > t.maxDim || height > t.maxDim {
		scaled := scaleToFit(img, t.maxDim)
		var buf bytes.Buffer
		if err := png.Encode(&buf, scaled); err != nil {
			return errorResult(fmt.Sprintf("Failed to encode screenshot: %v", err)), nil
		}
		data = buf.Bytes()
		width, height = scaled.Bounds().Dx(), scaled.Bounds().Dy()
	}

	return jsonResult(map[string]any{
		"mime":       "image/png",
		"display":    in.Display,
		"width":      width,
		"height":     height,
		"size_bytes": len(data),
		"data_b64":   base64.StdEncoding.EncodeToString(data),
	}), nil
}

// scaleToFit downscales img so its longest side is maxDim, preserving
// aspect ratio.
func scaleToFit(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var newWidth, newHeight int
	if width >= height {
		newWidth = maxDim
		newHeight = height * maxDim / width
	} else {
		newHeight = maxDim
		newWidth = width * maxDim / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// captureDisplay shells out to the platform screenshot tool and returns
// the PNG bytes for the requested display.
func captureDisplay(ctx context.Context, display int) ([]byte, error) {
	switch runtime.GOOS {
	case "darwin":
		return captureDarwin(ctx, display)
	case "linux":
		return captureLinux(ctx, display)
	default:
		return nil, fmt.Errorf("screen capture is not supported on %s", runtime.GOOS)
	}
}

// captureDarwin uses screencapture, which writes one file per display
// when given multiple output paths.
func captureDarwin(ctx context.Context, display int) ([]byte, error) {
	dir, err := os.MkdirTemp("", "valet-screen-")
	if err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, display+1)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("display%d.png", i))
	}

	args := append([]string{"-x", "-t", "png"}, paths...)
	out, err := exec.CommandContext(ctx, "screencapture", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("screencapture failed: %v: %s", err, bytes.TrimSpace(out))
	}

	if _, err := os.Stat(paths[0]); err != nil {
		return nil, fmt.Errorf("No displays found")
	}
	data, err := os.ReadFile(paths[display])
	if err != nil {
		return nil, fmt.Errorf("Display index out of range: %d", display)
	}
	return data, nil
}

// captureLinux tries the common capture tools in order. They all grab the
// whole screen, so only display 0 is addressable.
func captureLinux(ctx context.Context, display int) ([]byte, error) {
	if display != 0 {
		return nil, fmt.Errorf("Display index out of range: %d", display)
	}

	dir, err := os.MkdirTemp("", "valet-screen-")
	if err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "screen.png")

	candidates := [][]string{
		{"grim", path},
		{"gnome-screenshot", "-f", path},
		{"scrot", path},
		{"import", "-window", "root", path},
	}

	var lastErr error
	for _, c := range candidates {
		if _, err := exec.LookPath(c[0]); err != nil {
			continue
		}
		out, err := exec.CommandContext(ctx, c[0], c[1:]...).CombinedOutput()
		if err != nil {
			lastErr = fmt.Errorf("%s failed: %v: %s", c[0], err, bytes.TrimSpace(out))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = fmt.Errorf("%s produced no output", c[0])
			continue
		}
		return data, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no screenshot tool found (tried grim, gnome-screenshot, scrot, import)")
}
