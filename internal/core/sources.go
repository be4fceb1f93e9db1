package core

import (
	"fmt"
	"strings"

	"github.com/e7canasta/orion-edge-guard/internal/capture"
	"github.com/e7canasta/orion-edge-guard/internal/config"
)

// SyntheticScheme selects the generated test source instead of decoding.
const SyntheticScheme = "synthetic://"

// SourceFactory routes synthetic:// URIs to generated sources and everything
// else to native (the decoder-backed factory).
func SourceFactory(cfg config.CaptureConfig, native capture.Factory) capture.Factory {
	return func(id int, uri string) (capture.Source, error) {
		if strings.HasPrefix(uri, SyntheticScheme) {
			return capture.NewSynthetic(id, uri, capture.SyntheticConfig{
				Width:  cfg.Width,
				Height: cfg.Height,
				FPS:    float64(cfg.SyntheticFPS),
			})
		}
		if native == nil {
			return nil, fmt.Errorf("core: no decoder available for %q", uri)
		}
		return native(id, uri)
	}
}
