package pipeline

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPattern = "( videotestsrc pattern=0 ! video/x-raw,width=640,height=480,framerate=15/1 ! videoconvert ! x264enc tune=zerolatency speed-preset=ultrafast ! rtph264pay name=pay0 pt=96 )"

func TestParseTestPattern(t *testing.T) {
	desc, err := Parse(testPattern)
	require.NoError(t, err)

	assert.Equal(t, testPattern, desc.String())
	require.Len(t, desc.Elements, 5)

	src := desc.Elements[0]
	assert.Equal(t, "videotestsrc", src.Factory)
	pattern, ok := src.Property("pattern")
	assert.True(t, ok)
	assert.Equal(t, "0", pattern)

	assert.Equal(t, "video/x-raw,width=640,height=480,framerate=15/1", desc.Elements[1].Caps)
	assert.Equal(t, "videoconvert", desc.Elements[2].Factory)

	enc := desc.Elements[3]
	assert.Equal(t, "x264enc", enc.Factory)
	assert.Equal(t, []Property{
		{Key: "tune", Value: "zerolatency"},
		{Key: "speed-preset", Value: "ultrafast"},
	}, enc.Properties)

	require.Len(t, desc.Payloads, 1)
	pay := desc.Payloads[0]
	assert.Equal(t, 0, pay.Index)
	assert.Equal(t, "pay0", pay.Name)
	assert.Equal(t, "rtph264pay", pay.Factory)
	assert.Equal(t, uint8(96), pay.PayloadType)
	assert.Equal(t, EncodingH264, pay.Encoding)
	assert.True(t, pay.InBandConfig)
}

func TestParseMultiplePayloads(t *testing.T) {
	launch := `( videotestsrc ! x265enc ! rtph265pay name=pay0 pt=97 videotestsrc pattern=18 ! vp8enc ! rtpvp8pay name=pay1 )`

	desc, err := Parse(launch)
	require.NoError(t, err)
	require.Len(t, desc.Payloads, 2)

	assert.Equal(t, EncodingH265, desc.Payloads[0].Encoding)
	assert.Equal(t, uint8(97), desc.Payloads[0].PayloadType)
	assert.Equal(t, EncodingVP8, desc.Payloads[1].Encoding)
	assert.Equal(t, uint8(DefaultPayloadType), desc.Payloads[1].PayloadType)
}

func TestParseQuotedProperty(t *testing.T) {
	launch := `( videotestsrc ! capsfilter caps="video/x-raw, width=320" ! jpegenc ! rtpjpegpay name=pay0 pt=26 )`

	desc, err := Parse(launch)
	require.NoError(t, err)

	caps, ok := desc.Elements[1].Property("caps")
	require.True(t, ok)
	assert.Equal(t, "video/x-raw, width=320", caps)
	assert.Equal(t, EncodingMJPEG, desc.Payloads[0].Encoding)
	assert.False(t, desc.Payloads[0].InBandConfig)
}

func TestParseJPEGPayloadType(t *testing.T) {
	desc, err := Parse("( videotestsrc ! jpegenc ! rtpjpegpay name=pay0 )")
	require.NoError(t, err)
	assert.Equal(t, uint8(JPEGPayloadType), desc.Payloads[0].PayloadType)

	_, err = Parse("( videotestsrc ! jpegenc ! rtpjpegpay name=pay0 pt=96 )")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		launch string
		target error
	}{
		{"missing parentheses", "videotestsrc ! rtph264pay name=pay0", ErrMalformed},
		{"empty bin", "( )", ErrMalformed},
		{"unterminated quote", `( videotestsrc name="oops ! rtph264pay name=pay0 )`, ErrMalformed},
		{"leading link", "( ! videotestsrc ! rtph264pay name=pay0 )", ErrMalformed},
		{"double link", "( videotestsrc ! ! rtph264pay name=pay0 )", ErrMalformed},
		{"trailing link", "( videotestsrc ! rtph264pay name=pay0 ! )", ErrMalformed},
		{"nested bin", "( videotestsrc ! ( rtph264pay name=pay0 ) )", ErrMalformed},
		{"dangling property", "( pattern=0 ! rtph264pay name=pay0 )", ErrMalformed},
		{"no payloader", "( videotestsrc ! x264enc ! rtph264pay )", ErrNoPayloader},
		{"gap in payloaders", "( videotestsrc ! x264enc ! rtph264pay name=pay0 audiotestsrc ! opusenc ! rtph264pay name=pay2 )", ErrMalformed},
		{"duplicate payloader", "( videotestsrc ! rtph264pay name=pay0 videotestsrc ! rtph264pay name=pay0 )", ErrMalformed},
		{"unsupported payloader", "( audiotestsrc ! opusenc ! rtpopuspay name=pay0 )", ErrUnsupportedPayloader},
		{"payload type out of range", "( videotestsrc ! x264enc ! rtph264pay name=pay0 pt=200 )", ErrMalformed},
		{"payload type not a number", "( videotestsrc ! x264enc ! rtph264pay name=pay0 pt=abc )", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.launch)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "expected %v, got %v", tt.target, err)
		})
	}
}

func TestLaunchArgs(t *testing.T) {
	desc, err := Parse(testPattern)
	require.NoError(t, err)

	args, err := desc.LaunchArgs("127.0.0.1", []int{40000})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"videotestsrc", "pattern=0", "!",
		"video/x-raw,width=640,height=480,framerate=15/1", "!",
		"videoconvert", "!",
		"x264enc", "tune=zerolatency", "speed-preset=ultrafast", "!",
		"rtph264pay", "config-interval=-1", "name=pay0", "pt=96",
		"pay0.", "!", "udpsink", "host=127.0.0.1", "port=40000",
	}, args)
}

func TestLaunchArgsKeepsConfigInterval(t *testing.T) {
	desc, err := Parse("( videotestsrc ! x264enc ! rtph264pay name=pay0 config-interval=1 )")
	require.NoError(t, err)
	assert.False(t, desc.Payloads[0].InBandConfig)

	args, err := desc.LaunchArgs("127.0.0.1", []int{40000})
	require.NoError(t, err)
	assert.Contains(t, args, "config-interval=1")
	assert.NotContains(t, args, "config-interval=-1")
}

func TestLaunchArgsConfigIntervalPerPayload(t *testing.T) {
	desc, err := Parse("( videotestsrc ! x265enc ! rtph265pay name=pay0 videotestsrc ! vp8enc ! rtpvp8pay name=pay1 videotestsrc ! x264enc ! rtph264pay name=pay2 )")
	require.NoError(t, err)

	args, err := desc.LaunchArgs("127.0.0.1", []int{40000, 40002, 40004})
	require.NoError(t, err)

	var after []string
	for i, a := range args {
		if a == "config-interval=-1" {
			after = append(after, args[i-1])
		}
	}
	assert.Equal(t, []string{"rtph265pay", "rtph264pay"}, after)
}

func TestLaunchArgsUnquotesValues(t *testing.T) {
	desc, err := Parse(`( videotestsrc ! capsfilter caps="video/x-raw, width=320" ! jpegenc ! rtpjpegpay name=pay0 )`)
	require.NoError(t, err)

	args, err := desc.LaunchArgs("127.0.0.1", []int{5000})
	require.NoError(t, err)
	assert.Contains(t, args, "caps=video/x-raw, width=320")
}

func TestLaunchArgsPortMismatch(t *testing.T) {
	desc, err := Parse(testPattern)
	require.NoError(t, err)

	_, err = desc.LaunchArgs("127.0.0.1", []int{1, 2})
	assert.Error(t, err)
}

func TestEncodingString(t *testing.T) {
	assert.Equal(t, "H264", EncodingH264.String())
	assert.Equal(t, "H265", EncodingH265.String())
	assert.Equal(t, "VP8", EncodingVP8.String())
	assert.Equal(t, "JPEG", EncodingMJPEG.String())
	assert.Equal(t, "Unknown", Encoding(42).String())
}
