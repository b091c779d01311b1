package audio

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, sampleRate int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func encodeWAV(t *testing.T, samples []float32, sampleRate, channels int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteWAV(&buf, samples, sampleRate, channels))
	return buf.Bytes()
}

func newTestLoader(t *testing.T, maxBytes int64) *Loader {
	t.Helper()
	cfg := DefaultLoaderConfig()
	cfg.MaxBytes = maxBytes
	l, err := NewLoader(cfg)
	require.NoError(t, err)
	return l
}

func TestCheckExtension(t *testing.T) {
	l := newTestLoader(t, 0)

	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{"clip.wav", FormatWAV, false},
		{"CLIP.MP3", FormatMP3, false},
		{"dir/voice.Ogg", FormatOGG, false},
		{"notes.txt", "", true},
		{"noext", "", true},
		{"archive.wav.zip", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.CheckExtension(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLoaderRejectsUnknownExtension(t *testing.T) {
	cfg := DefaultLoaderConfig()
	cfg.AllowedExtensions = []string{"wav", "flac"}
	_, err := NewLoader(cfg)
	assert.Error(t, err)
}

func TestLoadRejectsExtensionBeforeReading(t *testing.T) {
	l := newTestLoader(t, 0)
	r := &countingReader{r: strings.NewReader("plain text")}

	_, err := l.Load(r, "notes.txt")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Zero(t, r.n)
}

type countingReader struct {
	r *strings.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestLoadOversize(t *testing.T) {
	data := encodeWAV(t, sine(16000, 16000, 440, 0.5), 16000, 1)
	l := newTestLoader(t, int64(len(data)-1))

	assert.ErrorIs(t, l.CheckSize(int64(len(data))), ErrOversize)
	_, err := l.Load(bytes.NewReader(data), "clip.wav")
	assert.ErrorIs(t, err, ErrOversize)

	l = newTestLoader(t, int64(len(data)))
	_, err = l.Load(bytes.NewReader(data), "clip.wav")
	assert.NoError(t, err)
}

func TestLoadWAVMono(t *testing.T) {
	l := newTestLoader(t, 0)
	src := sine(16000, 16000, 440, 0.5)

	w, err := l.Load(bytes.NewReader(encodeWAV(t, src, 16000, 1)), "clip.wav")
	require.NoError(t, err)
	assert.Equal(t, 16000, w.SampleRate)
	require.Len(t, w.Samples, len(src))
	for i := 0; i < len(src); i += 997 {
		assert.InDelta(t, src[i], w.Samples[i], 1e-3)
	}
}

func TestLoadWAVStereoDownmix(t *testing.T) {
	l := newTestLoader(t, 0)
	frames := 8000
	interleaved := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		interleaved[2*i] = 0.5
		interleaved[2*i+1] = 0.1
	}

	w, err := l.Load(bytes.NewReader(encodeWAV(t, interleaved, 16000, 2)), "stereo.wav")
	require.NoError(t, err)
	require.Len(t, w.Samples, frames)
	assert.InDelta(t, 0.3, w.Samples[0], 1e-3)
	assert.InDelta(t, 0.3, w.Samples[frames-1], 1e-3)
}

func TestLoadWAVResamplesToTargetRate(t *testing.T) {
	l := newTestLoader(t, 0)
	src := sine(8001, 8000, 300, 0.5)

	w, err := l.Load(bytes.NewReader(encodeWAV(t, src, 8000, 1)), "low.wav")
	require.NoError(t, err)
	assert.Equal(t, 16000, w.SampleRate)
	assert.Len(t, w.Samples, 16002)
}

func TestLoadMP3(t *testing.T) {
	l := newTestLoader(t, 0)
	const sr = 44100
	mono := sine(3*sr, sr, 440, 0.4)
	stereo := make([]float32, 2*len(mono))
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}

	for _, tt := range []struct {
		name     string
		samples  []float32
		channels int
	}{
		{"mono", mono, 1},
		{"stereo", stereo, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMP3(&buf, tt.samples, sr, tt.channels))

			w, err := l.Load(bytes.NewReader(buf.Bytes()), "clip.mp3")
			require.NoError(t, err)
			assert.Equal(t, 16000, w.SampleRate)
			// задержка кодера и дополнение блоков: расхождение меньше двух кадров по 1152 сэмпла
			assert.InDelta(t, 3*16000, len(w.Samples), 2*1152*16000/sr)
		})
	}
}

func TestLoadDecodeErrors(t *testing.T) {
	l := newTestLoader(t, 0)
	wav := encodeWAV(t, sine(1600, 16000, 440, 0.5), 16000, 1)

	tests := []struct {
		name     string
		data     []byte
		filename string
	}{
		{"empty", nil, "clip.wav"},
		{"garbage wav", []byte("definitely not audio"), "clip.wav"},
		{"wav named mp3", wav, "clip.mp3"},
		{"truncated ogg", []byte("OggS\x00\x02garbage"), "clip.ogg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(bytes.NewReader(tt.data), tt.filename)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestSniff(t *testing.T) {
	assert.Equal(t, FormatWAV, Sniff(encodeWAV(t, []float32{0}, 16000, 1)))
	assert.Equal(t, FormatOGG, Sniff([]byte("OggS....")))
	assert.Equal(t, FormatMP3, Sniff([]byte("ID3\x04")))
	assert.Equal(t, FormatMP3, Sniff([]byte{0xFF, 0xF3, 0x00}))
	assert.Equal(t, Format(""), Sniff([]byte("fLaC")))
}

func TestWaveformDuration(t *testing.T) {
	w := Waveform{Samples: make([]float32, 24000), SampleRate: 16000}
	assert.Equal(t, "1.5s", w.Duration().String())
	assert.Zero(t, Waveform{}.Duration())
}
