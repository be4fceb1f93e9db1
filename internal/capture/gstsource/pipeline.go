package gstsource

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineConfig contains configuration for GStreamer pipeline creation
type pipelineConfig struct {
	URI        string
	Width      int
	Height     int
	QueueDepth int
}

// pipelineElements holds references needed for linking, callbacks and cleanup
type pipelineElements struct {
	Pipeline *gst.Pipeline
	Decode   *gst.Element
	Queue    *gst.Element
	AppSink  *app.Sink

	// videoLinked is set once a video pad reached the queue
	videoLinked atomic.Bool
	// noVideo is set when decodebin finished exposing pads without any video
	noVideo atomic.Bool
}

// createPipeline builds, but does not start, the decode pipeline:
//
//	uridecodebin → queue(leaky) → videoconvert → videoscale → capsfilter(RGB) → appsink
//
// uridecodebin pads are dynamic and get linked in onPadAdded.
func createPipeline(cfg pipelineConfig) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	decode, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, fmt.Errorf("failed to create uridecodebin: %w", err)
	}
	decode.SetProperty("uri", cfg.URI)

	// Leaky downstream: a full queue discards its oldest buffers
	queue, err := gst.NewElement("queue")
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	queue.SetProperty("leaky", 2)
	queue.SetProperty("max-size-buffers", uint(cfg.QueueDepth))
	queue.SetProperty("max-size-bytes", uint(0))
	queue.SetProperty("max-size-time", uint64(0))

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(rgbCaps(cfg.Width, cfg.Height)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(decode, queue, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}

	if err := gst.ElementLinkMany(queue, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	return &pipelineElements{
		Pipeline: pipeline,
		Decode:   decode,
		Queue:    queue,
		AppSink:  appsink,
	}, nil
}

// onPadAdded links the first video pad of uridecodebin to the queue.
// Audio and other non-video pads are left unlinked.
func onPadAdded(elems *pipelineElements, sourceID int, srcPad *gst.Pad) {
	caps := srcPad.GetCurrentCaps()
	if caps == nil {
		caps = srcPad.QueryCaps(nil)
	}

	media := ""
	if caps != nil && caps.GetSize() > 0 {
		media = caps.GetStructureAt(0).Name()
	}

	if !isVideoCaps(media) {
		slog.Debug("stream-capture: ignoring non-video pad",
			"source_id", sourceID,
			"pad", srcPad.GetName(),
			"media", media,
		)
		return
	}

	sinkPad := elems.Queue.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("stream-capture: failed to get sink pad from queue", "source_id", sourceID)
		return
	}
	if sinkPad.IsLinked() {
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("stream-capture: failed to link pads",
			"source_id", sourceID,
			"src_pad", srcPad.GetName(),
			"media", media,
			"ret", ret,
		)
		return
	}

	elems.videoLinked.Store(true)
	slog.Debug("stream-capture: video pad linked",
		"source_id", sourceID,
		"src_pad", srcPad.GetName(),
		"media", media,
	)
}

// onNoMorePads flags streams that expose no decodable video.
func onNoMorePads(elems *pipelineElements, sourceID int) {
	if !elems.videoLinked.Load() {
		elems.noVideo.Store(true)
		slog.Error("stream-capture: stream exposes no video pad", "source_id", sourceID)
	}
}

// destroyPipeline sets the pipeline to NULL, releasing decoder resources.
// Safe to call with nil.
func destroyPipeline(elems *pipelineElements) error {
	if elems == nil || elems.Pipeline == nil {
		return nil
	}
	if err := elems.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// checkGStreamerAvailable is a fail-fast probe run at construction time.
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("uridecodebin")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

func isVideoCaps(media string) bool {
	return strings.HasPrefix(media, "video/")
}

func rgbCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
}
