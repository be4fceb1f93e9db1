package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		debug   string
		want    ErrorCategory
	}{
		{"auth beats network", "Unauthorized", "rtspsrc: 401 from server", ErrCategoryAuth},
		{"codec", "Internal data stream error", "streaming stopped, reason not negotiated", ErrCategoryCodec},
		{"missing plugin", "Your GStreamer installation is missing a plug-in", "no decoder available for video/x-h265", ErrCategoryCodec},
		{"network", "Could not open resource for reading", "Could not connect to server: Connection refused", ErrCategoryNetwork},
		{"timeout", "Resource timeout", "", ErrCategoryNetwork},
		{"unknown", "something odd", "", ErrCategoryUnknown},
		{
			"rtsp timeout inside uridecodebin",
			"Could not read from resource.",
			"../gst/rtsp/gstrtspsrc.c(6427): gst_rtsp_src_receive_response (): /GstPipeline:pipeline0/GstURIDecodeBin:uridecodebin0/GstRTSPSrc:source:\nCould not receive message. (Timeout while waiting for server response)",
			ErrCategoryNetwork,
		},
		{
			"connection refused inside uridecodebin",
			"Could not open resource for reading and writing.",
			"../gst/rtsp/gstrtspsrc.c(8130): gst_rtspsrc_retrieve_sdp (): /GstPipeline:pipeline0/GstURIDecodeBin:uridecodebin0/GstRTSPSrc:source:\nFailed to connect. (Generic error)",
			ErrCategoryNetwork,
		},
		{
			"not negotiated inside uridecodebin",
			"Internal data stream error.",
			"../libs/gst/base/gstbasesrc.c(3132): gst_base_src_loop (): /GstPipeline:pipeline0/GstURIDecodeBin:uridecodebin0/GstRTSPSrc:source/GstUDPSrc:udpsrc1:\nstreaming stopped, reason not-negotiated (-4)",
			ErrCategoryCodec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.message, tt.debug)
			assert.Equal(t, tt.want, got)
			t.Logf("✅ %q → %s", tt.message, got)
		})
	}

	assert.False(t, ErrCategoryCodec.Retryable())
	assert.True(t, ErrCategoryNetwork.Retryable())
	assert.True(t, ErrCategoryUnknown.Retryable())
}

func TestErrorCounters(t *testing.T) {
	var c ErrorCounters
	c.Record(ErrCategoryNetwork)
	c.Record(ErrCategoryNetwork)
	c.Record(ErrCategoryCodec)
	c.Record(ErrCategoryUnknown)

	assert.Equal(t, ErrorStats{Network: 2, Codec: 1, Unknown: 1}, c.Snapshot())
}

func TestStateTracker(t *testing.T) {
	st := NewStateTracker(1, "rtsp://cam")
	assert.Equal(t, StateDisconnected, st.Load())

	assert.True(t, st.Set(StateConnecting, "start"))
	assert.False(t, st.Set(StateConnecting, "again"), "no-op transition")
	assert.True(t, st.Set(StateConnected, "playing"))
	assert.True(t, st.Set(StateFailed, "codec"))
	assert.False(t, st.Set(StateConnecting, "retry"), "FAILED is terminal")
	assert.Equal(t, StateFailed, st.Load())

	st.Reset()
	assert.Equal(t, StateDisconnected, st.Load())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestSyntheticEndsAfterMaxFrames(t *testing.T) {
	s, err := NewSynthetic(3, "synthetic://three", SyntheticConfig{Width: 4, Height: 2, FPS: 200, MaxFrames: 5})
	require.NoError(t, err)

	frames, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, s.State())

	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	var got []uint64
	for f := range frames {
		require.NoError(t, f.Validate())
		assert.Equal(t, 3, f.SourceID)
		assert.NotEmpty(t, f.TraceID)
		got = append(got, f.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.Equal(t, StateDisconnected, s.State())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, uint64(4*2*3*5), s.Stats().BytesRead)
}

func TestSyntheticStartFailure(t *testing.T) {
	s, err := NewSynthetic(2, "synthetic://broken", SyntheticConfig{
		Width: 2, Height: 2, StartErr: errors.New("connection refused"),
	})
	require.NoError(t, err)

	_, err = s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.NoError(t, s.Stop())
}

func TestSyntheticStopClosesChannel(t *testing.T) {
	s, err := NewSynthetic(1, "synthetic://one", SyntheticConfig{Width: 2, Height: 2, FPS: 100})
	require.NoError(t, err)

	frames, err := s.Start(context.Background())
	require.NoError(t, err)
	<-frames

	require.NoError(t, s.Stop())
	for range frames {
	}
	assert.Equal(t, StateDisconnected, s.State())

	_, err = NewSynthetic(1, "x", SyntheticConfig{})
	assert.Error(t, err)
}
