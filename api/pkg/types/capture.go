package types

import "time"

// Mode 13h VGA framebuffer: 320x200, one byte per pixel.
const (
	FramebufferLinear = 0xA0000
	FramebufferSize   = 64000
)

// ImageFormat tags the binary screenshot format a backend produces.
type ImageFormat string

const (
	ImagePPM ImageFormat = "ppm"
	ImageBMP ImageFormat = "bmp"
	ImagePNG ImageFormat = "png"
)

// ContentType maps the format to its HTTP content type.
func (f ImageFormat) ContentType() string {
	switch f {
	case ImagePPM:
		return "image/x-portable-pixmap"
	case ImageBMP:
		return "image/bmp"
	case ImagePNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the artifact filename extension for the format.
func (f ImageFormat) Extension() string {
	if f == "" {
		return "bin"
	}
	return string(f)
}

// MemoryRange names an extra memory dump requested in a capture.
type MemoryRange struct {
	Address Address `json:"address"`
	Size    int     `json:"size"`
	File    string  `json:"file"`
}

// CaptureRequest describes one run of the capture pipeline.
type CaptureRequest struct {
	// Prefix names the artifact files: {prefix}_framebuffer.bin and so on.
	Prefix string `json:"prefix"`
	// Snapshot, if set, is loaded before anything else.
	Snapshot string `json:"snapshot,omitempty"`
	// Breakpoint, if set, is an execution breakpoint the pipeline resumes to
	// and waits on before capturing.
	Breakpoint *Address `json:"breakpoint,omitempty"`
	// Keys is an optional key sequence injected after the snapshot settles.
	Keys []string `json:"keys,omitempty"`
	// KeyDelay is the inter-key delay; zero means the backend default.
	KeyDelay time.Duration `json:"keyDelay,omitempty"`
	// WaitTime is the settle time after the key sequence (default 2s).
	WaitTime time.Duration `json:"waitTime,omitempty"`
	// ExtraRanges are additional memory dumps, each written to its own file.
	ExtraRanges []MemoryRange `json:"extraRanges,omitempty"`

	SkipFramebuffer bool `json:"skipFramebuffer,omitempty"`
	SkipRegisters   bool `json:"skipRegisters,omitempty"`
	SkipScreenshot  bool `json:"skipScreenshot,omitempty"`

	// Timeout bounds the breakpoint wait (default 30s).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CaptureResult carries the captured bytes plus the sha256 of every artifact
// exactly as written to disk.
type CaptureResult struct {
	Prefix           string            `json:"prefix"`
	Framebuffer      []byte            `json:"-"`
	Screenshot       []byte            `json:"-"`
	ScreenshotFormat ImageFormat       `json:"screenshotFormat,omitempty"`
	Registers        Registers         `json:"registers,omitempty"`
	ExtraDumps       map[string][]byte `json:"-"`
	Checksums        map[string]string `json:"checksums"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// GoldenComparison is the result of comparing a capture artifact against its
// golden file.
type GoldenComparison struct {
	Artifact        string `json:"artifact"`
	Match           bool   `json:"match"`
	GoldenChecksum  string `json:"goldenChecksum"`
	ActualChecksum  string `json:"actualChecksum"`
	FirstDifference int64  `json:"firstDifference,omitempty"`
	GoldenByte      *byte  `json:"goldenByte,omitempty"`
	ActualByte      *byte  `json:"actualByte,omitempty"`
}
