package gstsource

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// onNewSample is called by GStreamer when a decoded frame is available.
//
// The buffer is copied (GStreamer reuses it), row padding is removed and the
// frame is offered to the output channel without blocking.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// One corrupted frame must not kill the stream
		slog.Warn("stream-capture: failed to pull sample from appsink, skipping frame", "source_id", s.id)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream-capture: failed to get buffer from sample, skipping frame", "source_id", s.id)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("stream-capture: empty buffer received", "source_id", s.id)
		return gst.FlowOK
	}

	pixels, err := packRGB(data, s.cfg.Width, s.cfg.Height)
	buffer.Unmap()
	if err != nil {
		s.framesDropped.Add(1)
		slog.Warn("stream-capture: unexpected buffer layout, skipping frame",
			"source_id", s.id,
			"error", err,
		)
		return gst.FlowOK
	}

	seq := s.frameCount.Add(1)
	s.bytesRead.Add(uint64(len(data)))
	now := time.Now()
	s.lastFrameAt.Store(now.UnixNano())

	frame := types.Frame{
		SourceID:  s.id,
		Seq:       seq,
		Timestamp: now,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      pixels,
		TraceID:   uuid.New().String(),
	}

	s.emit(frame)
	return gst.FlowOK
}

// emit sends without blocking; a full channel drops the frame.
func (s *Source) emit(frame types.Frame) {
	s.outMu.RLock()
	defer s.outMu.RUnlock()

	if s.out == nil {
		return
	}

	select {
	case s.out <- frame:
	default:
		s.framesDropped.Add(1)
		slog.Debug("stream-capture: dropping frame, channel full",
			"source_id", s.id,
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}
}

// packRGB returns a tightly packed width*height*3 copy of data.
//
// GStreamer aligns RGB rows to 4 bytes, so widths that are not a multiple of
// 4 arrive with per-row padding.
func packRGB(data []byte, width, height int) ([]byte, error) {
	row := width * 3
	packed := row * height

	if len(data) == packed {
		out := make([]byte, packed)
		copy(out, data)
		return out, nil
	}

	stride := (row + 3) &^ 3
	if len(data) < stride*height {
		return nil, fmt.Errorf("buffer of %d bytes does not hold %dx%d RGB (stride %d)",
			len(data), width, height, stride)
	}

	out := make([]byte, packed)
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out, nil
}
