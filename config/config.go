// Package config provides YAML configuration for signpad.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidColor         = errors.New("invalid color")
)

// HexColorRegex matches colors like "#ff0" or "#ffff00".
var HexColorRegex = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Bounds policies for placeholders that do not fit on the page surface.
const (
	BoundsClamp  = "clamp"
	BoundsStrict = "strict"
)

// Export and render backends.
const (
	BackendPDFCPU = "pdfcpu"
	BackendCanvas = "canvas"
	BackendFitz   = "fitz"
)

// RenderConfig contains page rasterization settings.
type RenderConfig struct {
	// DPI is the rasterization resolution. 72 maps one PDF point to one pixel.
	DPI float64 `yaml:"dpi" json:"dpi,omitempty"`

	// Backend selects the rasterizer. Only "fitz" is built in.
	Backend string `yaml:"backend" json:"backend,omitempty"`
}

// SetDefaults sets default values for render configuration.
func (c *RenderConfig) SetDefaults() {
	if c.DPI == 0 {
		c.DPI = 72
	}
	if c.Backend == "" {
		c.Backend = BackendFitz
	}
}

// Validate validates the render configuration.
func (c *RenderConfig) Validate() error {
	if c.DPI < 18 || c.DPI > 1200 {
		return NewConfigError("render.dpi", fmt.Sprintf("dpi %.0f outside 18..1200", c.DPI))
	}
	if c.Backend != BackendFitz {
		return NewConfigError("render.backend", fmt.Sprintf("unknown backend %q", c.Backend))
	}
	return nil
}

// PlaceholderConfig contains the placeholder marker geometry, in surface pixels.
type PlaceholderConfig struct {
	Width  int    `yaml:"width" json:"width,omitempty"`
	Height int    `yaml:"height" json:"height,omitempty"`
	Color  string `yaml:"marker-color" json:"marker_color,omitempty"`
	Bounds string `yaml:"bounds" json:"bounds,omitempty"`
}

// SetDefaults sets default values for placeholder configuration.
func (c *PlaceholderConfig) SetDefaults() {
	if c.Width == 0 {
		c.Width = 100
	}
	if c.Height == 0 {
		c.Height = 50
	}
	if c.Color == "" {
		c.Color = "yellow"
	}
	if c.Bounds == "" {
		c.Bounds = BoundsClamp
	}
}

// Validate validates the placeholder configuration.
func (c *PlaceholderConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return NewConfigError("placeholder", "width and height must be positive")
	}
	if _, err := ParseColor(c.Color); err != nil {
		return &ConfigError{Field: "placeholder.marker-color", Message: err.Error(), Err: err}
	}
	switch c.Bounds {
	case BoundsClamp, BoundsStrict:
	default:
		return NewConfigError("placeholder.bounds", fmt.Sprintf("unknown policy %q (valid: clamp, strict)", c.Bounds))
	}
	return nil
}

// MarkerColor returns the parsed marker color. Call Validate first.
func (c *PlaceholderConfig) MarkerColor() color.RGBA {
	col, _ := ParseColor(c.Color)
	return col
}

// SignatureConfig places a signature relative to its placeholder position.
// The signature box is intentionally taller than the placeholder and shifted up.
type SignatureConfig struct {
	OffsetX int `yaml:"offset-x" json:"offset_x"`
	OffsetY int `yaml:"offset-y" json:"offset_y"`
	Width   int `yaml:"width" json:"width,omitempty"`
	Height  int `yaml:"height" json:"height,omitempty"`

	// MaxBytes caps the encoded signature image size.
	MaxBytes int64 `yaml:"max-bytes" json:"max_bytes,omitempty"`
}

// DefaultSignatureConfig returns the stock signature geometry.
func DefaultSignatureConfig() *SignatureConfig {
	c := &SignatureConfig{OffsetY: -20}
	c.SetDefaults()
	return c
}

// SetDefaults sets default values for signature configuration.
// Offsets are left alone since zero is a valid offset.
func (c *SignatureConfig) SetDefaults() {
	if c.Width == 0 {
		c.Width = 100
	}
	if c.Height == 0 {
		c.Height = 100
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 4 << 20
	}
}

// Validate validates the signature configuration.
func (c *SignatureConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return NewConfigError("signature", "width and height must be positive")
	}
	if c.MaxBytes < 0 {
		return NewConfigError("signature.max-bytes", "must not be negative")
	}
	return nil
}

// ExportConfig contains output settings.
type ExportConfig struct {
	// Backend is "pdfcpu" or "canvas".
	Backend string `yaml:"backend" json:"backend,omitempty"`

	// JPEGQuality is the page image quality, 1..100.
	JPEGQuality int `yaml:"jpeg-quality" json:"jpeg_quality,omitempty"`

	// Filename is the suggested download name.
	Filename string `yaml:"filename" json:"filename,omitempty"`
}

// SetDefaults sets default values for export configuration.
func (c *ExportConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendPDFCPU
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 100
	}
	if c.Filename == "" {
		c.Filename = "download.pdf"
	}
}

// Validate validates the export configuration.
func (c *ExportConfig) Validate() error {
	switch c.Backend {
	case BackendPDFCPU, BackendCanvas:
	default:
		return NewConfigError("export.backend", fmt.Sprintf("unknown backend %q (valid: pdfcpu, canvas)", c.Backend))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return NewConfigError("export.jpeg-quality", "must be between 1 and 100")
	}
	if c.Filename == "" || strings.ContainsAny(c.Filename, `/\"`) {
		return NewConfigError("export.filename", "must be a bare file name")
	}
	return nil
}

// ServerConfig contains HTTP service settings.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr,omitempty"`

	// MaxUploadBytes caps the request body for uploads.
	MaxUploadBytes int64 `yaml:"max-upload-bytes" json:"max_upload_bytes,omitempty"`

	// ReadTimeout and WriteTimeout are Go durations ("30s").
	ReadTimeout  string `yaml:"read-timeout" json:"read_timeout,omitempty"`
	WriteTimeout string `yaml:"write-timeout" json:"write_timeout,omitempty"`

	// RenderTimeout bounds how long an export waits for rendering.
	RenderTimeout string `yaml:"render-timeout" json:"render_timeout,omitempty"`

	// SessionTTL is how long an idle session is kept.
	SessionTTL string `yaml:"session-ttl" json:"session_ttl,omitempty"`

	// MaxSessions caps concurrently open sessions.
	MaxSessions int `yaml:"max-sessions" json:"max_sessions,omitempty"`
}

// SetDefaults sets default values for server configuration.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 64 << 20
	}
	if c.ReadTimeout == "" {
		c.ReadTimeout = "30s"
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = "120s"
	}
	if c.RenderTimeout == "" {
		c.RenderTimeout = "60s"
	}
	if c.SessionTTL == "" {
		c.SessionTTL = "30m"
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 64
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return NewConfigError("server.max-upload-bytes", "must be positive")
	}
	if c.MaxSessions < 0 {
		return NewConfigError("server.max-sessions", "must not be negative")
	}
	for field, v := range map[string]string{
		"server.read-timeout":   c.ReadTimeout,
		"server.write-timeout":  c.WriteTimeout,
		"server.render-timeout": c.RenderTimeout,
		"server.session-ttl":    c.SessionTTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return &ConfigError{Field: field, Message: fmt.Sprintf("invalid duration %q", v), Err: err}
		}
	}
	return nil
}

// Durations returns the parsed read, write and render timeouts.
func (c *ServerConfig) Durations() (read, write, render time.Duration) {
	read, _ = time.ParseDuration(c.ReadTimeout)
	write, _ = time.ParseDuration(c.WriteTimeout)
	render, _ = time.ParseDuration(c.RenderTimeout)
	return read, write, render
}

// IdleTTL returns the parsed session TTL.
func (c *ServerConfig) IdleTTL() time.Duration {
	d, _ := time.ParseDuration(c.SessionTTL)
	return d
}

// JournalConfig contains the event journal settings.
type JournalConfig struct {
	// Path is the SQLite database path. Empty disables the journal.
	Path string `yaml:"path" json:"path,omitempty"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Render      *RenderConfig      `yaml:"render" json:"render,omitempty"`
	Placeholder *PlaceholderConfig `yaml:"placeholder" json:"placeholder,omitempty"`
	Signature   *SignatureConfig   `yaml:"signature" json:"signature,omitempty"`
	Export      *ExportConfig      `yaml:"export" json:"export,omitempty"`
	Server      *ServerConfig      `yaml:"server" json:"server,omitempty"`
	Journal     *JournalConfig     `yaml:"journal" json:"journal,omitempty"`
	Logging     *LoggingConfig     `yaml:"logging" json:"logging,omitempty"`
}

// Default returns a configuration with every section defaulted.
func Default() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills missing sections and values.
func (c *AppConfig) SetDefaults() {
	if c.Render == nil {
		c.Render = &RenderConfig{}
	}
	if c.Placeholder == nil {
		c.Placeholder = &PlaceholderConfig{}
	}
	if c.Signature == nil {
		c.Signature = DefaultSignatureConfig()
	}
	if c.Export == nil {
		c.Export = &ExportConfig{}
	}
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Journal == nil {
		c.Journal = &JournalConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Render.SetDefaults()
	c.Placeholder.SetDefaults()
	c.Signature.SetDefaults()
	c.Export.SetDefaults()
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	if err := c.Render.Validate(); err != nil {
		return err
	}
	if err := c.Placeholder.Validate(); err != nil {
		return err
	}
	if err := c.Signature.Validate(); err != nil {
		return err
	}
	if err := c.Export.Validate(); err != nil {
		return err
	}
	return c.Server.Validate()
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig parses, defaults and validates configuration from YAML data.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	// Sections whose zero values are meaningful start from their defaults so
	// a partial section keeps the keys it leaves out.
	config := AppConfig{Signature: DefaultSignatureConfig()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedField, err)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

var namedColors = map[string]color.RGBA{
	"yellow": {255, 255, 0, 255},
	"red":    {255, 0, 0, 255},
	"green":  {0, 128, 0, 255},
	"blue":   {0, 0, 255, 255},
	"orange": {255, 165, 0, 255},
	"gray":   {128, 128, 128, 255},
	"black":  {0, 0, 0, 255},
	"white":  {255, 255, 255, 255},
}

// ParseColor parses a CSS-style color name or hex value into an opaque color.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	if !HexColorRegex.MatchString(s) {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	hex := s[1:]
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
